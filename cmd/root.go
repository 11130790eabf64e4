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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fugue/kernkey/cache"
	"github.com/fugue/kernkey/format"
	"github.com/fugue/kernkey/logging"
	"github.com/fugue/kernkey/observe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information set at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// app holds the state shared by the root command and its subcommands
type app struct {
	v        *viper.Viper
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	exit     func(int)
	getenv   func(string) string
	log      *logrus.Logger
	observer *observe.Observer
}

// NewRootCommand returns the kernkey command. Output is written to the given
// streams and exit is called with the process exit code on fatal errors.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer, exit func(int)) *cobra.Command {

	a := &app{
		v:      viper.New(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exit:   exit,
		getenv: os.Getenv,
	}

	rootCmd := &cobra.Command{
		Use:   "kernkey",
		Short: "Derive the cache key of a compiled GPU kernel",
		Long: `Derive the cache key the kernel compiler would use for a kernel, from the
installed toolchain, the kernel source, the active target, the compilation
options and the cache-invalidating environment variables.`,
		Version:           fmt.Sprintf("%s, build %s", Version, GitCommit),
		SilenceErrors:     true,
		SilenceUsage:      true,
		Args:              cobra.NoArgs,
		PersistentPreRunE: a.setup,
		Run:               a.runKey,
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	// Flags available to all subcommands
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default $HOME/.kernkey.yaml)")
	flags.String("source", "", "Kernel source file, or - for standard input")
	flags.String("probes", "", "Probe definitions file")
	flags.String("python", "", "Python interpreter used by the probes")
	flags.String("pinned", "", "Recorded probe answers to use instead of running probes")
	flags.String("image", "", "Run probes in this Docker image")
	flags.String("platform", "", "Docker target platform (linux/amd64, linux/arm64, ...)")
	flags.String("gpus", "", "GPUs to expose to the probe container (all, device=0, ...)")
	flags.Int("num-warps", cache.DefaultNumWarps, "Warps per kernel instance")
	flags.Int("num-stages", cache.DefaultNumStages, "Software pipelining stages")
	flags.String("debug-env", cache.DefaultDebugEnv, "Variable that enables the debug option when set to 1")
	flags.Bool("digest-toolchain", false, "Hash the toolchain fingerprint before joining it into the key")
	flags.Duration("probe-timeout", 2*time.Minute, "Time limit for each probe")
	flags.String("log-level", "info", "Log level (trace | debug | info | warn | error)")
	flags.String("log-format", logging.FormatText, "Log format (text | json)")
	flags.String("trace", observe.ExporterNone, "Trace exporter (none | stdout)")

	rootCmd.Flags().BoolP("verbose", "v", false, "Show the breakdown of key components")
	rootCmd.Flags().Bool("json", false, "Show the key and its components as JSON")

	// Bind flags to environment variables if they are present
	a.v.BindPFlags(flags)
	a.v.BindPFlags(rootCmd.Flags())

	rootCmd.AddCommand(
		a.newComponentsCommand(),
		a.newEnvCommand(),
		newCompletionCommand(stdout),
	)
	return rootCmd
}

// Execute runs the root command against the process streams. This is
// called by main.main().
func Execute() {
	rootCmd := NewRootCommand(os.Stdin, os.Stdout, os.Stderr, os.Exit)
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

// setup reads configuration and builds the logger and tracer
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := a.initConfig(); err != nil {
		return err
	}
	log, err := logging.New(logging.Opts{
		Level:  a.v.GetString("log-level"),
		Format: a.v.GetString("log-format"),
		Out:    a.stderr,
	})
	if err != nil {
		return err
	}
	log.ExitFunc = a.exit
	a.log = log

	observer, err := observe.New(observe.Config{
		ServiceName: "kernkey",
		Version:     Version,
		Exporter:    a.v.GetString("trace"),
		Writer:      a.stderr,
	})
	if err != nil {
		return err
	}
	a.observer = observer
	return nil
}

// initConfig reads in config file and ENV variables if set.
func (a *app) initConfig() error {

	// Environment variables will be prefixed with "KERNKEY_"
	a.v.SetEnvPrefix("kernkey")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("Failed to read config %s: %w", path, err)
		}
		return nil
	}

	// Search config in home directory with name ".kernkey" (without extension)
	if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigName(".kernkey")
		if err := a.v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return err
			}
		}
	}
	return nil
}

// derive computes the key. On failure it logs at fatal level, which exits.
func (a *app) derive() (*cache.Key, bool) {
	opts := getKernkeyOptions(a.v)

	deriver, err := a.newDeriver(opts)
	if err != nil {
		a.fatal(err)
		return nil, false
	}
	source, err := a.readSource(opts.Source)
	if err != nil {
		a.fatal(err)
		return nil, false
	}

	a.log.Info("Generating cache key")
	key, err := deriver.Derive(context.Background(), source)
	if err != nil {
		a.fatal(err)
		return nil, false
	}
	if err := key.Degraded(); err != nil {
		a.log.WithError(err).Warn("Cache key derived with substitute values")
	}
	return key, true
}

func (a *app) runKey(cmd *cobra.Command, args []string) {
	key, ok := a.derive()
	if !ok {
		return
	}
	defer a.shutdown()

	var err error
	switch {
	case a.v.GetBool("json"):
		err = format.JSON(a.stdout, key)
	case a.v.GetBool("verbose"):
		err = format.Breakdown(a.stdout, key)
	default:
		err = format.Key(a.stdout, key)
	}
	if err != nil {
		a.fatal(err)
	}
}

// shutdown flushes pending trace spans. Only the first call has an effect.
func (a *app) shutdown() {
	if a.observer == nil {
		return
	}
	observer := a.observer
	a.observer = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observer.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("Failed to flush traces")
	}
}

// fatal flushes traces then logs the error at fatal level, which calls the
// exit function with status 1
func (a *app) fatal(err error) {
	a.shutdown()
	a.log.WithError(err).Fatal("Critical error during cache key generation")
}
