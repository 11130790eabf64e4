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

package cmd

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/fugue/kernkey/cache"
	"github.com/fugue/kernkey/definitions"
	"github.com/fugue/kernkey/exec"
	"github.com/fugue/kernkey/probe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

type kernkeyOptions struct {
	Config          string
	Source          string
	Probes          string
	Pinned          string
	Python          string
	Image           string
	Platform        string
	GPUs            string
	NumWarps        int
	NumStages       int
	DebugEnv        string
	DigestToolchain bool
	ProbeTimeout    time.Duration
	LogLevel        string
	LogFormat       string
	Trace           string
}

func getKernkeyOptions(v *viper.Viper) kernkeyOptions {
	return kernkeyOptions{
		Config:          v.ConfigFileUsed(),
		Source:          v.GetString("source"),
		Probes:          v.GetString("probes"),
		Pinned:          v.GetString("pinned"),
		Python:          v.GetString("python"),
		Image:           v.GetString("image"),
		Platform:        v.GetString("platform"),
		GPUs:            v.GetString("gpus"),
		NumWarps:        v.GetInt("num-warps"),
		NumStages:       v.GetInt("num-stages"),
		DebugEnv:        v.GetString("debug-env"),
		DigestToolchain: v.GetBool("digest-toolchain"),
		ProbeTimeout:    v.GetDuration("probe-timeout"),
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
		Trace:           v.GetString("trace"),
	}
}

// getProbes returns the built-in probe definitions overlaid with those from
// the probes file and the python option, when set
func getProbes(opts kernkeyOptions) (*definitions.Probes, error) {
	probes := definitions.DefaultProbes()
	if opts.Probes != "" {
		loaded, err := definitions.LoadProbesFromPath(opts.Probes)
		if err != nil {
			return nil, err
		}
		probes = probes.Merge(loaded)
	}
	if opts.Python != "" {
		probes.Python = opts.Python
	}
	return probes, nil
}

// newProber returns the probes answering the deriver's queries. Pinned
// answers replace the probe commands entirely.
func (a *app) newProber(opts kernkeyOptions) (prober, error) {
	if opts.Pinned != "" {
		pinned, err := definitions.LoadPinnedFromPath(opts.Pinned)
		if err != nil {
			return nil, err
		}
		a.log.WithField("pinned", pinned.Path).Info("Using pinned probe answers")
		return &probe.Static{
			ToolchainKey: pinned.Toolchain,
			Env:          pinned.Environment,
			Target: probe.Target{
				Backend:  pinned.Target.Backend,
				Arch:     pinned.Target.Arch,
				WarpSize: pinned.Target.WarpSize,
			},
		}, nil
	}

	probes, err := getProbes(opts)
	if err != nil {
		return nil, err
	}

	var executor exec.Executor
	if opts.Image != "" {
		executor = exec.NewDockerExecutor(exec.DockerOpts{
			Platform: opts.Platform,
			GPUs:     opts.GPUs,
		})
		// The debug option is read on the host, so the container registry
		// must see the same value.
		probes.Forward = append(probes.Forward, opts.DebugEnv)
	} else {
		executor = exec.NewBashExecutor()
	}

	return probe.NewCommands(probe.CommandsOpts{
		Executor: executor,
		Probes:   probes,
		Image:    opts.Image,
		Timeout:  opts.ProbeTimeout,
		Debug:    a.log.IsLevelEnabled(logrus.TraceLevel),
		Log:      a.log,
	})
}

type prober interface {
	probe.Toolchain
	probe.Registry
	probe.Driver
}

func (a *app) newDeriver(opts kernkeyOptions) (*cache.Deriver, error) {
	p, err := a.newProber(opts)
	if err != nil {
		return nil, err
	}
	return cache.NewDeriver(cache.DeriverOpts{
		Toolchain: p,
		Registry:  p,
		Driver:    p,
		Options: cache.Options{
			NumWarps:        opts.NumWarps,
			NumStages:       opts.NumStages,
			DebugEnv:        opts.DebugEnv,
			DigestToolchain: opts.DigestToolchain,
		},
		Getenv: a.getenv,
		Log:    a.log,
		Tracer: a.observer.Tracer(),
	})
}

// readSource returns the kernel source named by path. No path means no
// source, and "-" reads standard input.
func (a *app) readSource(path string) (*cache.Source, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		if a.stdin == nil {
			return nil, errors.New("Standard input is not available")
		}
		text, err := ioutil.ReadAll(a.stdin)
		if err != nil {
			return nil, fmt.Errorf("Failed to read source from standard input: %w", err)
		}
		return &cache.Source{Name: "<stdin>", Text: string(text)}, nil
	default:
		text, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Failed to read source: %w", err)
		}
		return &cache.Source{Name: path, Text: string(text)}, nil
	}
}
