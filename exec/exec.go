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
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fatih/color"
)

// killGrace bounds how long Execute waits for output pipes to close after
// the command's context is done
const killGrace = 500 * time.Millisecond

// ExecOpts are options used to run a probe command
type ExecOpts struct {
	// Name identifies the command in container names and debug output
	Name    string
	Command string
	Stdout  io.Writer
	Stderr  io.Writer
	Cmdout  io.Writer
	Env     []string
	Image   string
	Debug   bool
}

// Executor is an interface for executing commands
type Executor interface {

	// Execute a command
	Execute(ctx context.Context, opts ExecOpts) error

	// UsesDocker indicates whether this executor runs commands in a container
	UsesDocker() bool
}

// NewBashExecutor returns an Executor that runs commands via bash
func NewBashExecutor() Executor {
	return &bashExecutor{}
}

type bashExecutor struct{}

// Execute runs a command in a subprocess. Standard output is reserved for the
// cache key, so output that is not captured goes to standard error.
func (e *bashExecutor) Execute(ctx context.Context, opts ExecOpts) error {

	environment := append(os.Environ(), opts.Env...)

	// Create list of bash options
	args := []string{"-e"}
	if opts.Debug {
		args = extendSlice(args, "-x")
	}

	bashCmd := exec.CommandContext(ctx, "bash", args...)
	bashCmd.Env = environment
	bashCmd.WaitDelay = killGrace
	setProcessGroup(bashCmd)
	bashCmd.Stdout = getWriter(opts.Stdout, os.Stderr)
	bashCmd.Stderr = getWriter(opts.Stderr, os.Stderr)

	stdin, err := bashCmd.StdinPipe()
	if err != nil {
		return err
	}

	// Write command to the process' stdin.
	go func() {
		defer stdin.Close()
		io.WriteString(stdin, opts.Command)
	}()

	cmdOut := getWriter(opts.Cmdout, ioutil.Discard)
	if opts.Debug {
		debugColor := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintln(cmdOut, "dbg:", opts.Name, debugColor(strings.Join(bashCmd.Args, " ")))
	}
	cmdColor := color.New(color.FgMagenta).SprintFunc()
	fmt.Fprintln(cmdOut, "cmd:", cmdColor(opts.Command))

	return bashCmd.Run()
}

func (e *bashExecutor) UsesDocker() bool {
	return false
}

// ExitCode returns the status a command exited with. It reports false when
// the command did not run or was killed by a signal.
func ExitCode(err error) (int, bool) {
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return code, code >= 0
	}
	return 0, false
}

func getWriter(override, def io.Writer) io.Writer {
	if override != nil {
		return override
	}
	return def
}

func extendSlice(s []string, item ...string) []string {
	s = append(s, item...)
	return s
}
