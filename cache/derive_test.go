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

package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fugue/kernkey/hash"
	"github.com/fugue/kernkey/probe"
	gomock "github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFingerprint = "3.1.0-abc123"
	testSource      = "kernel_body"

	sourceHash      = "c6e25fd6c0ad2d0476bb00f35a46c221034b4353a5c8da00cd30e7623dc3b62b"
	placeholderHash = "3550da6426d1d1d6d632400c4f890c4866ae9137de7cae07274013293e8265a7"
	backendHash     = "64872f49585d780b4d9bc07a029271470e20612fd12ea6d633b408dc0a0c947f"
	sentinelHash    = "0671601812c6834494e96b831da1ea926a7602f3b2145d6bdbca5ce95d952b85"
	optionsHash     = "9c3d1e57ce05421b3c5f073fb25ecdf06c1c28f12fe60e4fc0305a79d2f41ee7"
	debugHash       = "eea18816880f16979edfd17949f8415f16d698175ebb17c5bd86956a7cc08cfe"
	emptyEnvHash    = "4f53cda18c2baa0c0354bb5f9a3ecbe5ed12ab4d8e11ba873c2f11161202b945"
	twoEnvHash      = "036d89ddd4e0646d55f1d6a3a3aeeb328d0a02bf7ea51c5c0e5099a96b625392"
	fingerprintHash = "1a97e945ba2a640553c442d97cc5e21a8cfd458e6aae63d758db040b2156b27f"

	expectedKey = "c957e56ce2aef973474b58efe8245fc203fb8aa64c04c8f5d963850a13894758"
)

func cudaStatic() *probe.Static {
	return &probe.Static{
		ToolchainKey: testFingerprint,
		Env:          map[string]string{},
		Target:       probe.Target{Backend: "cuda", Arch: "sm90", WarpSize: 32},
	}
}

func noEnv(string) string { return "" }

func testDeriver(t *testing.T, s *probe.Static, opts Options, getenv func(string) string) (*Deriver, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	d, err := NewDeriver(DeriverOpts{
		Toolchain: s,
		Registry:  s,
		Driver:    s,
		Options:   opts,
		Getenv:    getenv,
		Log:       log,
	})
	require.Nil(t, err)
	return d, hook
}

func hasEntry(hook *logtest.Hook, level logrus.Level) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			return true
		}
	}
	return false
}

func TestDeriveKnownKey(t *testing.T) {
	d, hook := testDeriver(t, cudaStatic(), Options{}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Name: "k.py", Text: testSource})
	require.Nil(t, err)

	expectedComposite := fmt.Sprintf("%s-%s-%s-%s-%s",
		testFingerprint, sourceHash, backendHash, optionsHash, emptyEnvHash)
	require.Equal(t, expectedComposite, key.Composite)
	require.Equal(t, expectedKey, key.String())
	require.Len(t, key.String(), 64)

	assert.Equal(t, testFingerprint, key.Toolchain.Canonical)
	assert.Equal(t, "3.1.0", key.Toolchain.Version)
	assert.Equal(t, "cuda-sm90-32", key.Backend.Value)
	assert.Equal(t, `{"debug": false, "num_stages": 3, "num_warps": 4}`, key.Options.Canonical)
	assert.Equal(t, "[]", key.Environment.Canonical)
	assert.Nil(t, key.Degraded())
	assert.False(t, hasEntry(hook, logrus.WarnLevel))
	assert.False(t, hasEntry(hook, logrus.ErrorLevel))
}

func TestDeriveDeterministic(t *testing.T) {
	s := cudaStatic()
	s.Env = map[string]string{"TRITON_B": "x", "TRITON_A": "1"}
	d, _ := testDeriver(t, s, Options{}, noEnv)

	src := &Source{Text: testSource}
	first, err := d.Derive(context.Background(), src)
	require.Nil(t, err)
	for i := 0; i < 5; i++ {
		next, err := d.Derive(context.Background(), src)
		require.Nil(t, err)
		require.Equal(t, first.String(), next.String())
		require.Equal(t, first.Composite, next.Composite)
	}
}

func TestDeriveEnvironmentOrdering(t *testing.T) {
	s := cudaStatic()
	s.Env = map[string]string{"TRITON_B": "x", "TRITON_A": "1"}
	d, _ := testDeriver(t, s, Options{}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, err)
	require.Equal(t, `[["TRITON_A", "1"], ["TRITON_B", "x"]]`, key.Environment.Canonical)
	require.Equal(t, twoEnvHash, key.Environment.Hash)
	require.Equal(t, map[string]string{"TRITON_A": "1", "TRITON_B": "x"}, key.Environment.Value)
}

func TestDeriveSensitivity(t *testing.T) {
	ctx := context.Background()
	base, _ := testDeriver(t, cudaStatic(), Options{}, noEnv)
	baseKey, err := base.Derive(ctx, &Source{Text: testSource})
	require.Nil(t, err)

	t.Run("source", func(t *testing.T) {
		key, err := base.Derive(ctx, &Source{Text: testSource + " "})
		require.Nil(t, err)
		require.NotEqual(t, baseKey.String(), key.String())
		require.Equal(t, baseKey.Backend.Hash, key.Backend.Hash)
	})

	t.Run("environment", func(t *testing.T) {
		s := cudaStatic()
		s.Env = map[string]string{"TRITON_A": "1"}
		d, _ := testDeriver(t, s, Options{}, noEnv)
		key, err := d.Derive(ctx, &Source{Text: testSource})
		require.Nil(t, err)
		require.NotEqual(t, baseKey.String(), key.String())
	})

	t.Run("debug", func(t *testing.T) {
		d, _ := testDeriver(t, cudaStatic(), Options{}, func(name string) string {
			if name == DefaultDebugEnv {
				return "1"
			}
			return ""
		})
		key, err := d.Derive(ctx, &Source{Text: testSource})
		require.Nil(t, err)
		require.Equal(t, debugHash, key.Options.Hash)
		require.NotEqual(t, baseKey.String(), key.String())
	})

	t.Run("debug only when exactly one", func(t *testing.T) {
		d, _ := testDeriver(t, cudaStatic(), Options{}, func(string) string { return "true" })
		key, err := d.Derive(ctx, &Source{Text: testSource})
		require.Nil(t, err)
		require.Equal(t, optionsHash, key.Options.Hash)
		require.Equal(t, baseKey.String(), key.String())
	})

	t.Run("target", func(t *testing.T) {
		s := cudaStatic()
		s.Target.Arch = "sm80"
		d, _ := testDeriver(t, s, Options{}, noEnv)
		key, err := d.Derive(ctx, &Source{Text: testSource})
		require.Nil(t, err)
		require.NotEqual(t, baseKey.String(), key.String())
	})
}

func TestDerivePlaceholderSource(t *testing.T) {
	d, hook := testDeriver(t, cudaStatic(), Options{}, noEnv)

	key, err := d.Derive(context.Background(), nil)
	require.Nil(t, err)
	require.Equal(t, placeholderHash, key.Source.Hash)
	require.Equal(t, PlaceholderSource, key.Source.Value)
	require.True(t, hasEntry(hook, logrus.WarnLevel))

	empty, err := d.Derive(context.Background(), &Source{Name: "empty.py"})
	require.Nil(t, err)
	require.Equal(t, key.String(), empty.String())
}

func TestDeriveRegistryUnavailable(t *testing.T) {
	s := cudaStatic()
	s.EnvErr = fmt.Errorf("%w: python3 not found", probe.ErrUnavailable)
	d, hook := testDeriver(t, s, Options{}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, err)
	require.Equal(t, expectedKey, key.String())
	require.Equal(t, emptyEnvHash, key.Environment.Hash)
	require.NotEmpty(t, key.Environment.Degraded)
	require.True(t, errors.Is(key.Degraded(), probe.ErrUnavailable))
	require.True(t, hasEntry(hook, logrus.WarnLevel))
}

func TestDeriveRegistryMalformed(t *testing.T) {
	s := cudaStatic()
	s.EnvErr = errors.New("registry output is not an object")
	d, _ := testDeriver(t, s, Options{}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, key)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "registry output is not an object")
}

func TestDeriveToolchainFailure(t *testing.T) {
	s := cudaStatic()
	s.ToolchainErr = errors.New("No module named 'triton'")
	d, _ := testDeriver(t, s, Options{}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, key)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "No module named 'triton'")

	s.ToolchainErr = nil
	s.ToolchainKey = "  \n"
	_, err = d.Derive(context.Background(), &Source{Text: testSource})
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "empty fingerprint")
}

func TestDeriveDriverFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	driver := probe.NewMockDriver(ctrl)
	driver.EXPECT().CurrentTarget(gomock.Any()).Return(probe.Target{}, errors.New("no active device"))

	s := cudaStatic()
	log, hook := logtest.NewNullLogger()
	d, err := NewDeriver(DeriverOpts{
		Toolchain: s,
		Registry:  s,
		Driver:    driver,
		Getenv:    noEnv,
		Log:       log,
	})
	require.Nil(t, err)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, err)
	require.Equal(t, probe.SentinelDescriptor, key.Backend.Value)
	require.Equal(t, sentinelHash, key.Backend.Hash)
	require.Equal(t, "no active device", key.Backend.Degraded)
	require.NotEqual(t, expectedKey, key.String())
	require.True(t, hasEntry(hook, logrus.ErrorLevel))
}

func TestDeriveMockedProbes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	toolchain := probe.NewMockToolchain(ctrl)
	registry := probe.NewMockRegistry(ctrl)
	driver := probe.NewMockDriver(ctrl)

	toolchain.EXPECT().Fingerprint(gomock.Any()).Return(testFingerprint+"\n", nil)
	registry.EXPECT().CacheInvalidatingEnv(gomock.Any()).Return(nil, nil)
	driver.EXPECT().CurrentTarget(gomock.Any()).Return(
		probe.Target{Backend: "cuda", Arch: "sm90", WarpSize: 32}, nil)

	d, err := NewDeriver(DeriverOpts{
		Toolchain: toolchain,
		Registry:  registry,
		Driver:    driver,
		Getenv:    noEnv,
	})
	require.Nil(t, err)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, err)
	require.Equal(t, expectedKey, key.String())
}

func TestDeriveDigestToolchain(t *testing.T) {
	d, _ := testDeriver(t, cudaStatic(), Options{DigestToolchain: true}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, err)
	require.Equal(t, fingerprintHash, key.Toolchain.Hash)

	expectedComposite := fmt.Sprintf("%s-%s-%s-%s-%s",
		fingerprintHash, sourceHash, backendHash, optionsHash, emptyEnvHash)
	require.Equal(t, expectedComposite, key.Composite)

	expected, err := hash.SHA256().String(expectedComposite)
	require.Nil(t, err)
	require.Equal(t, expected, key.String())
	require.NotEqual(t, expectedKey, key.String())
}

func TestDeriveCustomOptions(t *testing.T) {
	d, _ := testDeriver(t, cudaStatic(), Options{NumWarps: 8, NumStages: 2}, noEnv)

	key, err := d.Derive(context.Background(), &Source{Text: testSource})
	require.Nil(t, err)
	require.Equal(t, `{"debug": false, "num_stages": 2, "num_warps": 8}`, key.Options.Canonical)
	require.NotEqual(t, expectedKey, key.String())
}

func TestNewDeriverValidation(t *testing.T) {
	_, err := NewDeriver(DeriverOpts{})
	require.NotNil(t, err)

	s := cudaStatic()
	_, err = NewDeriver(DeriverOpts{Toolchain: s, Registry: s, Driver: s,
		Options: Options{NumWarps: -1}})
	require.NotNil(t, err)
}

func TestNonDefaultOptionsLogged(t *testing.T) {
	s := cudaStatic()

	log, hook := logtest.NewNullLogger()
	_, err := NewDeriver(DeriverOpts{Toolchain: s, Registry: s, Driver: s, Log: log})
	require.Nil(t, err)
	require.Len(t, hook.AllEntries(), 0)

	_, err = NewDeriver(DeriverOpts{Toolchain: s, Registry: s, Driver: s, Log: log,
		Options: Options{NumWarps: 8}})
	require.Nil(t, err)
	require.NotNil(t, hook.LastEntry())
	require.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	require.Equal(t, 8, hook.LastEntry().Data["num_warps"])
	require.Equal(t, DefaultNumStages, hook.LastEntry().Data["num_stages"])
}

func TestToolchainVersion(t *testing.T) {
	digestA := strings.Repeat("0a", 32)
	digestB := strings.Repeat("b1", 32)

	tests := []struct {
		input    string
		expected string
	}{
		{"3.1.0-abc123", "3.1.0"},
		{"2.3.1-deadbeef-cafe", "2.3.1"},
		{"3.2", "3.2.0"},
		{"3.1.0" + digestA + "-" + digestB, "3.1.0"},
		{"3.2.0+git1234abc" + digestA + "-" + digestB, "3.2.0+git1234abc"},
		{"3.0.0" + digestA, "3.0.0"},
		{"3.1.0.dev0" + digestA, "3.1.0"},
		{"abc123", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, toolchainVersion(tt.input), tt.input)
		})
	}
}

func TestKeyDegradedAndSegments(t *testing.T) {
	k := &Key{}
	require.NotNil(t, k.Compute(hash.SHA256()))

	c := &Component{Name: ComponentBackend, Canonical: "x"}
	require.Equal(t, "x", c.Segment())
	c.Hash = "y"
	require.Equal(t, "y", c.Segment())
	c.degrade(errors.New("boom"))
	require.Equal(t, "boom", c.Degraded)
}

func TestMapKeys(t *testing.T) {
	require.Equal(t, []string{"A", "B", "C"}, MapKeys(map[string]string{"C": "", "A": "", "B": ""}))
	require.Equal(t, []string{}, MapKeys(nil))
}
