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

package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log formats accepted by New
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Opts configure a logger
type Opts struct {
	Level  string
	Format string
	Out    io.Writer
}

// New returns a logger writing to opts.Out, or standard error by default.
// Standard output is left for the cache key.
func New(opts Opts) (*logrus.Logger, error) {
	logger := logrus.New()

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level := logrus.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format: %q", opts.Format)
	}
	return logger, nil
}
