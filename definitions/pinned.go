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

package definitions

import (
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/go-yaml/yaml"
	multierror "github.com/hashicorp/go-multierror"
)

// PinnedTarget is a fixed compilation target
type PinnedTarget struct {
	Backend  string `yaml:"backend"`
	Arch     string `yaml:"arch"`
	WarpSize int    `yaml:"warp_size"`
}

// Pinned holds recorded probe answers, used to derive keys for a known
// deployment without querying a toolchain or a device
type Pinned struct {
	Toolchain   string            `yaml:"toolchain"`
	Environment map[string]string `yaml:"environment"`
	Target      PinnedTarget      `yaml:"target"`
	Path        string            `yaml:"-"`
}

// LoadPinned loads pinned answers from the given YAML text
func LoadPinned(text []byte) (*Pinned, error) {
	def := &Pinned{}
	if err := yaml.Unmarshal(text, def); err != nil {
		return nil, err
	}
	if def.Environment == nil {
		def.Environment = map[string]string{}
	}
	return def, nil
}

// LoadPinnedFromPath loads pinned answers from the specified file
func LoadPinnedFromPath(path string) (*Pinned, error) {
	text, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := LoadPinned(text)
	if err != nil {
		return nil, fmt.Errorf("Failed to load pinned answers %s: %s", path, err)
	}
	def.Path = path
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid pinned answers in %s: %s", path, err)
	}
	return def, nil
}

// Validate returns an error describing every missing answer
func (p *Pinned) Validate() error {
	var result *multierror.Error
	if p.Toolchain == "" {
		result = multierror.Append(result, errors.New("toolchain fingerprint is missing"))
	}
	if p.Target.Backend == "" {
		result = multierror.Append(result, errors.New("target backend is missing"))
	}
	return result.ErrorOrNil()
}
