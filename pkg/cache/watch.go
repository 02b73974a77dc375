// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch signals on the returned channel whenever an entry file appears in
// the queue directory. Signals coalesce; a receiver should List after each
// one. The channel closes when ctx is done.
func (q *Queue) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(q.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", q.dir, err)
	}

	notify := make(chan struct{}, 1)
	go func() {
		defer close(notify)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) || !strings.HasSuffix(ev.Name, entryExt) {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				q.log.Warn("cache watcher error", "error", err)
			}
		}
	}()
	return notify, nil
}
