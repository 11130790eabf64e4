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
	// Embeds the default probe definitions
	_ "embed"
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/bmatcuk/doublestar"
	"github.com/go-yaml/yaml"
	multierror "github.com/hashicorp/go-multierror"
)

//go:embed probes.yaml
var defaultProbes []byte

// Probe defines a shell command that answers one query
type Probe struct {
	Command string `yaml:"command"`
}

// Probes defines how the toolchain, its cache-invalidating environment
// registry, and the active driver are queried
type Probes struct {
	Python      string            `yaml:"python"`
	Env         map[string]string `yaml:"env"`
	Toolchain   Probe             `yaml:"toolchain"`
	Environment Probe             `yaml:"environment"`
	Target      Probe             `yaml:"target"`

	// UnavailableStatus is the exit status with which the environment probe
	// reports that the registry cannot be queried at all. Any other failure
	// is an error. Zero disables the signal.
	UnavailableStatus int `yaml:"unavailable_status"`

	// Forward lists patterns of host variables passed into probe containers
	Forward []string `yaml:"forward"`

	Path string `yaml:"-"`
}

// DefaultProbes returns the built-in probe definitions, which query an
// installed Triton through Python
func DefaultProbes() *Probes {
	def, err := LoadProbes(defaultProbes)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded probe definitions: %s", err))
	}
	def.Path = "<builtin>"
	return def
}

// LoadProbes loads probe definitions from the given YAML text
func LoadProbes(text []byte) (*Probes, error) {
	def := &Probes{}
	if err := yaml.Unmarshal(text, def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadProbesFromPath loads probe definitions from the specified file
func LoadProbesFromPath(path string) (*Probes, error) {
	text, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := LoadProbes(text)
	if err != nil {
		return nil, fmt.Errorf("Failed to load probes %s: %s", path, err)
	}
	def.Path = path
	return def, nil
}

// Merge returns new definitions with fields from other taking precedence
// when they are set
func (p *Probes) Merge(other *Probes) *Probes {
	if other == nil {
		merged := *p
		merged.Env = copyStringsMap(p.Env)
		merged.Forward = mergeStrs(p.Forward, nil)
		return &merged
	}
	return &Probes{
		Python:            mergeStr(p.Python, other.Python),
		Env:               mergeStringsMap(p.Env, other.Env),
		Toolchain:         Probe{Command: mergeStr(p.Toolchain.Command, other.Toolchain.Command)},
		Environment:       Probe{Command: mergeStr(p.Environment.Command, other.Environment.Command)},
		Target:            Probe{Command: mergeStr(p.Target.Command, other.Target.Command)},
		UnavailableStatus: mergeInt(p.UnavailableStatus, other.UnavailableStatus),
		Forward:           mergeStrs(p.Forward, other.Forward),
		Path:              mergeStr(p.Path, other.Path),
	}
}

// Validate returns an error describing every invalid field
func (p *Probes) Validate() error {
	var result *multierror.Error
	if p.Toolchain.Command == "" {
		result = multierror.Append(result, errors.New("toolchain probe has no command"))
	}
	if p.Environment.Command == "" {
		result = multierror.Append(result, errors.New("environment probe has no command"))
	}
	if p.Target.Command == "" {
		result = multierror.Append(result, errors.New("target probe has no command"))
	}
	if p.UnavailableStatus < 0 || p.UnavailableStatus > 255 {
		result = multierror.Append(result, fmt.Errorf(
			"unavailable_status must be between 0 and 255: %d", p.UnavailableStatus))
	}
	for _, pattern := range p.Forward {
		if _, err := doublestar.Match(pattern, ""); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid forward pattern %q: %s", pattern, err))
		}
	}
	return result.ErrorOrNil()
}
