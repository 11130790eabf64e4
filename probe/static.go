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
	"context"
)

// Static answers every query with fixed values. A non-nil error field is
// returned instead of the corresponding value.
type Static struct {
	ToolchainKey string
	ToolchainErr error
	Env          map[string]string
	EnvErr       error
	Target       Target
	TargetErr    error
}

func (s *Static) Fingerprint(ctx context.Context) (string, error) {
	if s.ToolchainErr != nil {
		return "", s.ToolchainErr
	}
	return s.ToolchainKey, nil
}

func (s *Static) CacheInvalidatingEnv(ctx context.Context) (map[string]string, error) {
	if s.EnvErr != nil {
		return nil, s.EnvErr
	}
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	return env, nil
}

func (s *Static) CurrentTarget(ctx context.Context) (Target, error) {
	if s.TargetErr != nil {
		return Target{}, s.TargetErr
	}
	return s.Target, nil
}
