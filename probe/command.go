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

package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/fugue/kernkey/definitions"
	"github.com/fugue/kernkey/envsub"
	"github.com/fugue/kernkey/exec"
	"github.com/sirupsen/logrus"
)

// Error describes a probe command that could not produce an answer
type Error struct {
	Probe  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s probe failed: %s: %s", e.Probe, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s probe failed: %s", e.Probe, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CommandsOpts are options used to create probe Commands
type CommandsOpts struct {
	Executor exec.Executor
	Probes   *definitions.Probes
	Image    string
	Timeout  time.Duration
	Debug    bool
	Log      logrus.FieldLogger

	// Environ is used when expanding probe parameters and selecting the
	// variables forwarded into probe containers. Defaults to the process
	// environment.
	Environ []string
}

// Commands answers queries by running the configured probe commands. It
// implements Toolchain, Registry and Driver.
type Commands struct {
	executor    exec.Executor
	image       string
	timeout     time.Duration
	debug       bool
	log         logrus.FieldLogger
	env         []string
	unavailable int
	toolchain   string
	registry    string
	target      string
}

// NewCommands validates and expands the probe definitions. Commands are
// expanded with PYTHON, UNAVAILABLE_STATUS and the probe env parameters only;
// every other expansion is left to the shell.
func NewCommands(opts CommandsOpts) (*Commands, error) {
	if opts.Executor == nil {
		return nil, errors.New("Probe executor is not specified")
	}
	probes := opts.Probes
	if probes == nil {
		probes = definitions.DefaultProbes()
	}
	if err := probes.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid probe definitions in %s: %s", probes.Path, err)
	}
	if opts.Image != "" && !opts.Executor.UsesDocker() {
		return nil, errors.New("A probe image requires a Docker executor")
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	host := envsub.Environ(environ)

	env, err := envsub.Resolve(probes.Env, host)
	if err != nil {
		return nil, fmt.Errorf("Failed to expand probe env: %s", err)
	}
	params := copyMap(probes.Env)
	params["UNAVAILABLE_STATUS"] = strconv.Itoa(probes.UnavailableStatus)
	if probes.Python != "" {
		params["PYTHON"] = probes.Python
	}
	commands, err := envsub.ExpandAll([]string{
		probes.Toolchain.Command,
		probes.Environment.Command,
		probes.Target.Command,
	}, params, host)
	if err != nil {
		return nil, fmt.Errorf("Failed to expand probe commands: %s", err)
	}

	// Bash probes inherit the host environment. Containers only see what
	// is passed explicitly.
	if opts.Image != "" {
		if err := forwardEnv(env, host, probes.Forward); err != nil {
			return nil, err
		}
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Commands{
		executor:    opts.Executor,
		image:       opts.Image,
		timeout:     opts.Timeout,
		debug:       opts.Debug,
		log:         log,
		env:         envList(env),
		unavailable: probes.UnavailableStatus,
		toolchain:   commands[0],
		registry:    commands[1],
		target:      commands[2],
	}, nil
}

// Fingerprint runs the toolchain probe. The last non-empty line of its output
// is the fingerprint; earlier lines are treated as noise and logged.
func (c *Commands) Fingerprint(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "toolchain", c.toolchain)
	if err != nil {
		return "", err
	}
	fingerprint := lastLine(out)
	if fingerprint == "" {
		return "", &Error{Probe: "toolchain", Err: errors.New("no output")}
	}
	if extra := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(out), fingerprint)); extra != "" {
		c.log.WithField("ignored", extra).Warn("Toolchain probe printed more than the fingerprint")
	}
	return fingerprint, nil
}

// CacheInvalidatingEnv runs the environment probe, which prints a JSON
// object. Only a probe exiting with the unavailable status is reported as
// ErrUnavailable. Any other failure, and output that cannot be parsed, is an
// ordinary error.
func (c *Commands) CacheInvalidatingEnv(ctx context.Context) (map[string]string, error) {
	out, err := c.run(ctx, "environment", c.registry)
	if err != nil {
		if code, exited := exec.ExitCode(err); exited && c.unavailable != 0 && code == c.unavailable {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	env, err := parseEnv(lastLine(out))
	if err != nil {
		return nil, &Error{Probe: "environment", Err: err}
	}
	return env, nil
}

// CurrentTarget runs the target probe, which prints a JSON object with
// backend, arch and warp_size fields
func (c *Commands) CurrentTarget(ctx context.Context) (Target, error) {
	out, err := c.run(ctx, "target", c.target)
	if err != nil {
		return Target{}, err
	}
	var target Target
	if err := json.Unmarshal([]byte(lastLine(out)), &target); err != nil {
		return Target{}, &Error{Probe: "target", Err: err}
	}
	return target, nil
}

func (c *Commands) run(ctx context.Context, name, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var stdout, stderr, cmdout bytes.Buffer
	start := time.Now()
	err := c.executor.Execute(ctx, exec.ExecOpts{
		Name:    name,
		Command: command,
		Stdout:  &stdout,
		Stderr:  &stderr,
		Cmdout:  &cmdout,
		Env:     c.env,
		Image:   c.image,
		Debug:   c.debug,
	})

	log := c.log.WithFields(logrus.Fields{
		"probe":    name,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if c.image != "" {
		log = log.WithField("image", c.image)
	}
	log.Debug(strings.TrimSpace(cmdout.String()))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", &Error{Probe: name, Err: err, Detail: lastLine(stderr.String())}
	}
	return stdout.String(), nil
}

// parseEnv decodes the registry output. Variables reported as null are not
// set and are dropped.
func parseEnv(text string) (map[string]string, error) {
	if text == "" {
		return nil, errors.New("no output")
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("expected a JSON object")
	}
	env := make(map[string]string, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			env[name] = v
		case json.Number:
			env[name] = v.String()
		case bool:
			env[name] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("variable %s has a non-scalar value", name)
		}
	}
	return env, nil
}

// lastLine returns the last non-empty line of the text. Probes may print
// warnings before their answer.
func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// forwardEnv adds the host variables matching any pattern to env. Variables
// already in env keep their value.
func forwardEnv(env, host map[string]string, patterns []string) error {
	for name, value := range host {
		if _, found := env[name]; found {
			continue
		}
		for _, pattern := range patterns {
			matched, err := doublestar.Match(pattern, name)
			if err != nil {
				return fmt.Errorf("Invalid forward pattern %q: %s", pattern, err)
			}
			if matched {
				env[name] = value
				break
			}
		}
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func envList(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}
