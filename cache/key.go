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

package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fugue/kernkey/hash"
	multierror "github.com/hashicorp/go-multierror"
)

// Component names, in the order their segments appear in a key
const (
	ComponentToolchain   = "toolchain"
	ComponentSource      = "source"
	ComponentBackend     = "backend"
	ComponentOptions     = "options"
	ComponentEnvironment = "environment"
)

// Component is one named input to a cache key
type Component struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Canonical string      `json:"canonical"`
	Hash      string      `json:"hash,omitempty"`
	Version   string      `json:"version,omitempty"`
	Degraded  string      `json:"degraded,omitempty"`
	reason    error
}

// Segment returns what this component contributes to the composite string:
// its hash, or its canonical value when it is not hashed
func (c *Component) Segment() string {
	if c.Hash != "" {
		return c.Hash
	}
	return c.Canonical
}

func (c *Component) degrade(reason error) {
	c.reason = reason
	c.Degraded = reason.Error()
}

// Key contains the components of a cache key and the resulting hash
type Key struct {
	Toolchain   *Component `json:"toolchain"`
	Source      *Component `json:"source"`
	Backend     *Component `json:"backend"`
	Options     *Component `json:"options"`
	Environment *Component `json:"environment"`
	Composite   string     `json:"final_composite"`
	hex         string
}

// String returns the key as a hexadecimal string
func (k *Key) String() string {
	return k.hex
}

// Components returns the key components in composite order
func (k *Key) Components() []*Component {
	return []*Component{k.Toolchain, k.Source, k.Backend, k.Options, k.Environment}
}

// Compute joins the component segments with "-" and hashes the result
func (k *Key) Compute(h hash.Hasher) error {
	segments := make([]string, 0, 5)
	for _, c := range k.Components() {
		if c == nil {
			return errors.New("Key is missing a component")
		}
		segments = append(segments, c.Segment())
	}
	composite := strings.Join(segments, "-")
	hex, err := h.String(composite)
	if err != nil {
		return err
	}
	k.Composite = composite
	k.hex = hex
	return nil
}

// Degraded returns the reasons any components were substituted with
// sentinel or empty values, or nil if every query succeeded
func (k *Key) Degraded() error {
	var result *multierror.Error
	for _, c := range k.Components() {
		if c != nil && c.reason != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.Name, c.reason))
		}
	}
	return result.ErrorOrNil()
}
