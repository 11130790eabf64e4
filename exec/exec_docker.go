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

	"github.com/fatih/color"
	uuid "github.com/satori/go.uuid"
)

// DockerOpts configure how probe containers are started
type DockerOpts struct {
	// Platform is passed to docker run --platform when set
	Platform string
	// GPUs is passed to docker run --gpus when set, e.g. "all". The driver
	// probe needs a device to report the active target.
	GPUs string
}

// NewDockerExecutor returns an Executor that runs commands within containers
func NewDockerExecutor(opts DockerOpts) Executor {
	return &dockerExecutor{
		Platform: opts.Platform,
		GPUs:     opts.GPUs,
	}
}

type dockerExecutor struct {
	Platform string
	GPUs     string
}

// Execute runs a command in a container
func (e *dockerExecutor) Execute(ctx context.Context, opts ExecOpts) error {

	if opts.Image == "" {
		return errors.New("Docker image is not specified")
	}

	// Containers are named so they can be removed on cancellation
	name := fmt.Sprintf("kernkey-%s", uuid.NewV4().String())
	if opts.Name != "" {
		name = fmt.Sprintf("kernkey-%s-%s", opts.Name, uuid.NewV4().String())
	}

	args := []string{
		"run",
		"-i",
		"--rm",
		"--name",
		name,
	}
	if e.Platform != "" {
		args = extendSlice(args, "--platform", e.Platform)
	}
	if e.GPUs != "" {
		args = extendSlice(args, "--gpus", e.GPUs)
	}
	for _, envVar := range opts.Env {
		args = extendSlice(args, "-e", envVar)
	}
	args = extendSlice(args, opts.Image, "bash", "-e")
	if opts.Debug {
		args = extendSlice(args, "-x")
	}

	dockerCmd := exec.CommandContext(ctx, "docker", args...)
	dockerCmd.WaitDelay = killGrace
	setProcessGroup(dockerCmd)
	dockerCmd.Stdout = getWriter(opts.Stdout, os.Stderr)
	dockerCmd.Stderr = getWriter(opts.Stderr, os.Stderr)

	stdin, err := dockerCmd.StdinPipe()
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
		fmt.Fprintln(cmdOut, "dbg:", opts.Name, debugColor(strings.Join(dockerCmd.Args, " ")))
	}
	cmdColor := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintln(cmdOut, "cmd:", cmdColor(opts.Command))

	// Notice if the context was canceled and call "docker rm" on the
	// container since it continues to run otherwise.
	done := make(chan bool)
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
			killContainerWithName(name)
		}
	}()

	return dockerCmd.Run()
}

func (e *dockerExecutor) UsesDocker() bool {
	return true
}

func killContainerWithName(name string) error {
	return exec.Command("docker", "rm", "-f", name).Run()
}
