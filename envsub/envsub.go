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

package envsub

import (
	"fmt"
	"strings"

	"github.com/drone/envsubst"
)

// Expand replaces references to the given parameters in a probe command.
// Only the plain forms $NAME and ${NAME} are replaced, and only when NAME is
// a parameter. Every other expansion, including ${NAME:-default} and
// references to environment variables, is passed through for the shell.
//
// Parameter values are themselves evaluated in the envsubst format, e.g.
// PYTHON=${CONDA_PREFIX:-/opt/conda}/bin/python. Values may reference other
// parameters, resolved recursively, and the variables in environ.
func Expand(input string, parameters, environ map[string]string) (string, error) {
	r := newResolver(parameters, environ)
	result := substitute(input, r.param)
	if r.err != nil {
		return "", r.err
	}
	return result, nil
}

// ExpandAll expands each of the given inputs
func ExpandAll(inputs []string, parameters, environ map[string]string) ([]string, error) {
	r := newResolver(parameters, environ)
	results := make([]string, 0, len(inputs))
	for _, input := range inputs {
		results = append(results, substitute(input, r.param))
	}
	if r.err != nil {
		return nil, r.err
	}
	return results, nil
}

// Resolve returns the evaluated value of every parameter
func Resolve(parameters, environ map[string]string) (map[string]string, error) {
	r := newResolver(parameters, environ)
	result := make(map[string]string, len(parameters))
	for name := range parameters {
		value, _ := r.param(name)
		result[name] = value
	}
	if r.err != nil {
		return nil, r.err
	}
	return result, nil
}

// Environ transforms a list of KEY=VALUE strings, as returned by os.Environ,
// into a map. Later entries win.
func Environ(environ []string) map[string]string {
	result := make(map[string]string, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		result[parts[0]] = parts[1]
	}
	return result
}

// substitute replaces $NAME and ${NAME} wherever lookup knows NAME
func substitute(input string, lookup func(string) (string, bool)) string {
	if !strings.Contains(input, "$") {
		return input
	}
	var b strings.Builder
	for i := 0; i < len(input); {
		if input[i] == '$' && i+1 < len(input) {
			if input[i+1] == '{' {
				if end := strings.IndexByte(input[i+2:], '}'); end >= 0 {
					name := input[i+2 : i+2+end]
					if isName(name) {
						if value, ok := lookup(name); ok {
							b.WriteString(value)
							i += end + 3
							continue
						}
					}
				}
			} else if isNameStart(input[i+1]) {
				j := i + 2
				for j < len(input) && isNameChar(input[j]) {
					j++
				}
				if value, ok := lookup(input[i+1 : j]); ok {
					b.WriteString(value)
					i = j
					continue
				}
			}
		}
		b.WriteByte(input[i])
		i++
	}
	return b.String()
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func isName(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return false
		}
	}
	return true
}

type resolver struct {
	parameters map[string]string
	environ    map[string]string
	state      map[string]string
	active     map[string]bool
	err        error
}

func newResolver(parameters, environ map[string]string) *resolver {
	return &resolver{
		parameters: parameters,
		environ:    environ,
		state:      map[string]string{},
		active:     map[string]bool{},
	}
}

// param returns the evaluated value of a parameter and whether it exists
func (r *resolver) param(name string) (string, bool) {
	if _, found := r.parameters[name]; !found {
		return "", false
	}
	return r.lookup(name), true
}

func (r *resolver) lookup(key string) string {
	if value, found := r.state[key]; found {
		return value
	}
	value, found := r.parameters[key]
	if !found {
		return r.environ[key]
	}
	// Return early if recursion is detected
	if r.active[key] {
		if r.err == nil {
			r.err = fmt.Errorf("recursion detected: %s", key)
		}
		return ""
	}
	r.active[key] = true
	resolved, err := envsubst.Eval(value, r.lookup)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid value for %s: %w", key, err)
	}
	delete(r.active, key)
	r.state[key] = resolved
	return resolved
}
