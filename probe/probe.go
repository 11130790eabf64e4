// Copyright 2020 Fugue, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probe queries the collaborators a cache key depends on: the
// installed compiler toolchain, its registry of cache-invalidating
// environment variables, and the active hardware driver.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnavailable indicates that a query mechanism does not exist in the
// current installation, as opposed to a query that ran and failed
var ErrUnavailable = errors.New("query mechanism unavailable")

// SentinelDescriptor stands in for the backend descriptor when the active
// driver cannot be queried
const SentinelDescriptor = "unknown-backend-0-0"

// Toolchain identifies the installed compiler
type Toolchain interface {

	// Fingerprint returns an opaque string identifying the compiler's
	// version and build configuration
	Fingerprint(ctx context.Context) (string, error)
}

// Registry reports the environment variables that invalidate compiled kernels
type Registry interface {

	// CacheInvalidatingEnv returns the current value of every variable in
	// the toolchain's registry. The error wraps ErrUnavailable when the
	// registry cannot be reached at all.
	CacheInvalidatingEnv(ctx context.Context) (map[string]string, error)
}

// Driver reports the active compute target
type Driver interface {

	// CurrentTarget returns the target kernels would be compiled for
	CurrentTarget(ctx context.Context) (Target, error)
}

// Target describes a compute target
type Target struct {
	Backend  string `json:"backend"`
	Arch     string `json:"arch"`
	WarpSize int    `json:"warp_size"`
}

// Descriptor returns the target as "{backend}-{arch}-{warp_size}"
func (t Target) Descriptor() string {
	return fmt.Sprintf("%s-%s-%d", t.Backend, t.Arch, t.WarpSize)
}

// UnmarshalJSON accepts arch as a string ("gfx90a") or a number (90)
func (t *Target) UnmarshalJSON(data []byte) error {
	var raw struct {
		Backend  string          `json:"backend"`
		Arch     json.RawMessage `json:"arch"`
		WarpSize int             `json:"warp_size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Backend == "" {
		return errors.New("target has no backend")
	}
	arch, err := scalarString(raw.Arch)
	if err != nil {
		return fmt.Errorf("invalid target arch: %s", err)
	}
	t.Backend = raw.Backend
	t.Arch = arch
	t.WarpSize = raw.WarpSize
	return nil
}

// scalarString renders a JSON string or number as text
func scalarString(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", errors.New("missing value")
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("expected a string or number, got %s", string(data))
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}
