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
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

const (
	knownKey     = "c957e56ce2aef973474b58efe8245fc203fb8aa64c04c8f5d963850a13894758"
	sentinelHash = "0671601812c6834494e96b831da1ea926a7602f3b2145d6bdbca5ce95d952b85"

	toolchainProbe = "echo 3.1.0-abc123"
	envProbe       = "echo '{}'"
	targetProbe    = `echo '{"backend": "cuda", "arch": "sm90", "warp_size": 32}'`
)

func init() {
	color.NoColor = true
}

type result struct {
	stdout string
	stderr string
	code   int
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.Nil(t, ioutil.WriteFile(p, []byte(content), 0644))
	return p
}

func writeProbes(t *testing.T, dir, toolchain, environment, target string) string {
	t.Helper()
	text := "toolchain:\n  command: |\n    " + toolchain + "\n" +
		"environment:\n  command: |\n    " + environment + "\n" +
		"target:\n  command: |\n    " + target + "\n"
	return writeFile(t, dir, "probes.yaml", text)
}

// runKernkey runs the root command with isolated configuration. The exit
// code is -1 when the exit function was never called.
func runKernkey(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	code := -1
	root := NewRootCommand(strings.NewReader(stdin), &stdout, &stderr, func(c int) { code = c })
	root.SetArgs(args)
	require.Nil(t, root.Execute())
	return result{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

func baseArgs(t *testing.T, toolchain, environment, target string) []string {
	dir := t.TempDir()
	return []string{
		"--probes", writeProbes(t, dir, toolchain, environment, target),
		"--source", writeFile(t, dir, "kernel.py", "kernel_body"),
		"--debug-env", "KERNKEY_TEST_DEBUG_UNSET",
	}
}

func TestRootKey(t *testing.T) {
	r := runKernkey(t, "", baseArgs(t, toolchainProbe, envProbe, targetProbe)...)
	require.Equal(t, -1, r.code)
	require.Equal(t, knownKey+"\n", r.stdout)
}

func TestRootKeyIsOneHexLine(t *testing.T) {
	args := append(baseArgs(t, toolchainProbe, envProbe, targetProbe), "--log-level", "error")
	r := runKernkey(t, "", args...)
	lines := strings.Split(strings.TrimSuffix(r.stdout, "\n"), "\n")
	require.Len(t, lines, 1)
	require.Regexp(t, "^[0-9a-f]{64}$", lines[0])
	require.Empty(t, r.stderr)
}

func TestRootSourceStdin(t *testing.T) {
	dir := t.TempDir()
	r := runKernkey(t, "kernel_body",
		"--probes", writeProbes(t, dir, toolchainProbe, envProbe, targetProbe),
		"--source", "-",
		"--debug-env", "KERNKEY_TEST_DEBUG_UNSET")
	require.Equal(t, knownKey+"\n", r.stdout)
}

func TestRootVerbose(t *testing.T) {
	args := append(baseArgs(t, toolchainProbe, envProbe, targetProbe), "-v")
	r := runKernkey(t, "", args...)
	require.Equal(t, -1, r.code)

	out := r.stdout
	require.True(t, strings.HasPrefix(out, "\nCache Key Components Breakdown:\n"))
	require.True(t, strings.HasSuffix(out, "Final Cache Key:\n\n"+knownKey+"\n"))

	last := -1
	for _, section := range []string{
		"1. Triton Installation Fingerprint:\n3.1.0-abc123\n",
		"2. Source Code:",
		"3. Backend Configuration:",
		`"info": "cuda-sm90-32"`,
		"4. Compilation Options:",
		"5. Environment Variables:\n{}\n",
		"6. Final Composite String:\n3.1.0-abc123-",
	} {
		i := strings.Index(out, section)
		require.True(t, i > last, section)
		last = i
	}
}

func TestRootJSON(t *testing.T) {
	args := append(baseArgs(t, toolchainProbe, envProbe, targetProbe), "--json")
	r := runKernkey(t, "", args...)

	var doc map[string]interface{}
	require.Nil(t, json.Unmarshal([]byte(r.stdout), &doc))
	require.Equal(t, knownKey, doc["cache_key"])
}

func TestRootToolchainFailure(t *testing.T) {
	r := runKernkey(t, "", baseArgs(t, "exit 3", envProbe, targetProbe)...)
	require.Equal(t, 1, r.code)
	require.Empty(t, r.stdout)
	require.Contains(t, r.stderr, "level=fatal")
	require.Contains(t, r.stderr, "Critical error during cache key generation")
}

func TestRootMalformedRegistry(t *testing.T) {
	r := runKernkey(t, "", baseArgs(t, toolchainProbe, "echo not-json", targetProbe)...)
	require.Equal(t, 1, r.code)
	require.Empty(t, r.stdout)
}

func TestRootRegistryUnavailable(t *testing.T) {
	r := runKernkey(t, "", baseArgs(t, toolchainProbe, "exit 69", targetProbe)...)
	require.Equal(t, -1, r.code)
	require.Equal(t, knownKey+"\n", r.stdout)
	require.Contains(t, r.stderr, "level=warning")
}

func TestRootRegistryErrorIsFatal(t *testing.T) {
	r := runKernkey(t, "", baseArgs(t, toolchainProbe,
		"echo 'RuntimeError: registry bug' >&2; exit 1", targetProbe)...)
	require.Equal(t, 1, r.code)
	require.Empty(t, r.stdout)
	require.Contains(t, r.stderr, "level=fatal")
	require.Contains(t, r.stderr, "RuntimeError: registry bug")
}

func TestRootPinned(t *testing.T) {
	dir := t.TempDir()
	pinned := writeFile(t, dir, "pinned.yaml", `toolchain: 3.1.0-abc123
environment: {}
target:
  backend: cuda
  arch: sm90
  warp_size: 32
`)
	// The probe commands would fail if they were run
	r := runKernkey(t, "",
		"--pinned", pinned,
		"--probes", writeProbes(t, dir, "exit 3", "exit 3", "exit 3"),
		"--source", writeFile(t, dir, "kernel.py", "kernel_body"),
		"--debug-env", "KERNKEY_TEST_DEBUG_UNSET")
	require.Equal(t, -1, r.code)
	require.Equal(t, knownKey+"\n", r.stdout)
	require.Contains(t, r.stderr, "Using pinned probe answers")
}

func TestRootPinnedInvalid(t *testing.T) {
	dir := t.TempDir()
	pinned := writeFile(t, dir, "pinned.yaml", "environment: {}\n")
	r := runKernkey(t, "", "--pinned", pinned)
	require.Equal(t, 1, r.code)
	require.Empty(t, r.stdout)
	require.Contains(t, r.stderr, "toolchain fingerprint is missing")
}

func TestRootDriverFailure(t *testing.T) {
	r := runKernkey(t, "", baseArgs(t, toolchainProbe, envProbe, "exit 1")...)
	require.Equal(t, -1, r.code)
	require.Regexp(t, "^[0-9a-f]{64}\n$", r.stdout)
	require.NotEqual(t, knownKey+"\n", r.stdout)
	require.Contains(t, r.stderr, "level=error")
}

func TestRootDebugEnv(t *testing.T) {
	t.Setenv("KERNKEY_TEST_DEBUG", "1")
	dir := t.TempDir()
	r := runKernkey(t, "",
		"--probes", writeProbes(t, dir, toolchainProbe, envProbe, targetProbe),
		"--source", writeFile(t, dir, "kernel.py", "kernel_body"),
		"--debug-env", "KERNKEY_TEST_DEBUG")
	require.Equal(t, -1, r.code)
	require.NotEqual(t, knownKey+"\n", r.stdout)
}

func TestRootEnvironmentVariables(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KERNKEY_PROBES", writeProbes(t, dir, toolchainProbe, envProbe, targetProbe))
	t.Setenv("KERNKEY_SOURCE", writeFile(t, dir, "kernel.py", "kernel_body"))
	t.Setenv("KERNKEY_DEBUG_ENV", "KERNKEY_TEST_DEBUG_UNSET")
	r := runKernkey(t, "")
	require.Equal(t, knownKey+"\n", r.stdout)
}

func TestRootConfigFile(t *testing.T) {
	dir := t.TempDir()
	config := writeFile(t, dir, "kernkey.yaml",
		"probes: "+writeProbes(t, dir, toolchainProbe, envProbe, targetProbe)+"\n"+
			"debug-env: KERNKEY_TEST_DEBUG_UNSET\n")
	r := runKernkey(t, "", "--config", config, "--num-warps", "8")
	require.Equal(t, -1, r.code)
	require.Regexp(t, "^[0-9a-f]{64}\n$", r.stdout)
	require.NotEqual(t, knownKey+"\n", r.stdout)
	require.Contains(t, r.stderr, "Using non-default compile options")
}

func TestRootMissingSource(t *testing.T) {
	dir := t.TempDir()
	r := runKernkey(t, "",
		"--probes", writeProbes(t, dir, toolchainProbe, envProbe, targetProbe),
		"--source", filepath.Join(dir, "missing.py"))
	require.Equal(t, 1, r.code)
	require.Empty(t, r.stdout)
}

func TestRootBadFlagValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, args := range [][]string{
		{"--log-level", "loud"},
		{"--log-format", "xml"},
		{"--trace", "jaeger"},
	} {
		var stdout, stderr bytes.Buffer
		root := NewRootCommand(strings.NewReader(""), &stdout, &stderr, func(int) {})
		root.SetArgs(args)
		require.NotNil(t, root.Execute(), args)
		require.Empty(t, stdout.String())
	}
}

func TestComponentsCommand(t *testing.T) {
	args := append([]string{"components"}, baseArgs(t, toolchainProbe, envProbe, "exit 1")...)
	r := runKernkey(t, "", args...)
	require.Equal(t, -1, r.code)

	lines := strings.Split(strings.TrimSuffix(r.stdout, "\n"), "\n")
	require.Len(t, lines, 9)
	require.True(t, strings.HasPrefix(lines[1], "COMPONENT"))
	require.True(t, strings.HasPrefix(lines[3], "toolchain"))
	require.Contains(t, lines[3], "3.1.0-abc123")
	require.True(t, strings.HasPrefix(lines[5], "backend"))
	require.Contains(t, lines[5], sentinelHash)
	require.Regexp(t, "^[0-9a-f]{64}$", lines[8])
}

func TestEnvCommand(t *testing.T) {
	r := runKernkey(t, "", "env", "--num-warps", "8", "--image", "triton:latest")
	require.Equal(t, -1, r.code)
	require.Contains(t, r.stdout, "NumWarps")
	require.Regexp(t, `Image\s+\| triton:latest`, r.stdout)
	require.Regexp(t, `NumWarps\s+\| 8`, r.stdout)
	require.Regexp(t, `ProbeTimeout\s+\| 2m0s`, r.stdout)
}

func TestCompletionCommand(t *testing.T) {
	r := runKernkey(t, "", "completion", "bash")
	require.Contains(t, r.stdout, "kernkey")
}
