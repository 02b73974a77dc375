// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/faults"
)

// Upload posts each payload as the form field "payload".
type Upload struct {
	URL      string
	Username string
	Password string
	Client   *http.Client // nil uses a 30s timeout client
}

// Process implements Processor. Any failure to deliver is transient.
func (u *Upload) Process(ctx context.Context, e *cache.Entry) error {
	form := url.Values{"payload": {e.Text()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return faults.Fault(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if u.Username != "" {
		req.SetBasicAuth(u.Username, u.Password)
	}

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return faults.Transient(fmt.Errorf("upload: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return faults.Transient(fmt.Errorf("upload: %s returned %s", u.URL, resp.Status))
	}
	return nil
}
