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

package exec

import (
	"context"
	"fmt"
	"io"
)

// FakeResult is the scripted outcome of one command run by a FakeExecutor
type FakeResult struct {
	Stdout string
	Stderr string
	Err    error
}

// FakeExecutor returns scripted results keyed by command text instead of
// running anything. Commands without a script fail.
type FakeExecutor struct {
	Docker  bool
	Results map[string]FakeResult
	Calls   []ExecOpts
}

// Execute writes the scripted output for opts.Command
func (e *FakeExecutor) Execute(ctx context.Context, opts ExecOpts) error {
	e.Calls = append(e.Calls, opts)
	if err := ctx.Err(); err != nil {
		return err
	}
	res, found := e.Results[opts.Command]
	if !found {
		return fmt.Errorf("No fake result for command: %s", opts.Command)
	}
	if opts.Stdout != nil {
		io.WriteString(opts.Stdout, res.Stdout)
	}
	if opts.Stderr != nil {
		io.WriteString(opts.Stderr, res.Stderr)
	}
	return res.Err
}

func (e *FakeExecutor) UsesDocker() bool {
	return e.Docker
}

// FakeExit is an error reporting a command that exited with the given status
type FakeExit int

func (e FakeExit) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// ExitCode returns the exit status
func (e FakeExit) ExitCode() int {
	return int(e)
}
