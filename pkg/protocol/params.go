// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Params is an ordered "k:v,k:v" parameter list.
type Params struct {
	keys   []string
	values map[string]string
}

// NewParams builds Params from alternating key, value pairs.
func NewParams(kv ...string) Params {
	var p Params
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i], kv[i+1])
	}
	return p
}

// ParseParams parses "k:v, k:v". Only the first ':' of each pair splits, so
// values may contain colons. Pairs without a ':' are ignored.
func ParseParams(s string) Params {
	var p Params
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.Set(k, strings.TrimSpace(v))
	}
	return p
}

// Set adds or replaces a value, keeping first-insertion order.
func (p *Params) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// SetFloat stores f without trailing zeros.
func (p *Params) SetFloat(key string, f float64) {
	p.Set(key, strconv.FormatFloat(f, 'f', -1, 64))
}

// SetInt stores i in decimal.
func (p *Params) SetInt(key string, i int) {
	p.Set(key, strconv.Itoa(i))
}

// Get returns the value for key.
func (p Params) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Value returns the value for key or "".
func (p Params) Value(key string) string {
	return p.values[key]
}

// Int parses the value for key.
func (p Params) Int(key string) (int, error) {
	v, ok := p.values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Float parses the value for key.
func (p Params) Float(key string) (float64, error) {
	v, ok := p.values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// Keys returns keys in insertion order.
func (p Params) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Len returns the number of pairs.
func (p Params) Len() int {
	return len(p.keys)
}

// Map copies the pairs into a map.
func (p Params) Map() map[string]string {
	out := make(map[string]string, len(p.keys))
	for _, k := range p.keys {
		out[k] = p.values[k]
	}
	return out
}

// String renders "k:v,k:v".
func (p Params) String() string {
	parts := make([]string, len(p.keys))
	for i, k := range p.keys {
		parts[i] = k + ":" + p.values[k]
	}
	return strings.Join(parts, ",")
}

// ParseSection splits "TYPE: k:v, k:v" into its type and parameters.
func ParseSection(line string) (string, Params) {
	name, rest, ok := strings.Cut(line, ":")
	if !ok {
		return strings.TrimSpace(line), Params{}
	}
	return strings.TrimSpace(name), ParseParams(rest)
}

// FormatSection renders "TYPE: k:v,k:v".
func FormatSection(name string, p Params) string {
	return strings.ToUpper(name) + ": " + p.String()
}
