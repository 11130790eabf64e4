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
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fugue/kernkey/hash"
	"github.com/fugue/kernkey/observe"
	"github.com/fugue/kernkey/probe"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// PlaceholderSource is hashed when no kernel source is supplied
	PlaceholderSource = "dummy_source_content"

	// DefaultDebugEnv is the variable that toggles the debug option
	DefaultDebugEnv = "TRITON_DEBUG"

	DefaultNumWarps  = 4
	DefaultNumStages = 3
)

// Source is kernel source text and a name for it used in logs
type Source struct {
	Name string
	Text string
}

// Options are the compilation knobs included in every key
type Options struct {
	NumWarps  int
	NumStages int

	// DebugEnv names the variable that sets the debug option when it is "1"
	DebugEnv string

	// DigestToolchain hashes the toolchain fingerprint before it is joined
	// into the composite string, bounding the key input length. Off by
	// default so keys match those derived by Python tooling.
	DigestToolchain bool
}

// DeriverOpts are options used to create a Deriver
type DeriverOpts struct {
	Toolchain probe.Toolchain
	Registry  probe.Registry
	Driver    probe.Driver
	Hasher    hash.Hasher
	Options   Options
	Getenv    func(string) string
	Log       logrus.FieldLogger
	Tracer    observe.Tracer
}

// Deriver computes cache keys for compiled kernels
type Deriver struct {
	toolchain probe.Toolchain
	registry  probe.Registry
	driver    probe.Driver
	hasher    hash.Hasher
	opts      Options
	getenv    func(string) string
	log       logrus.FieldLogger
	tracer    observe.Tracer
}

// NewDeriver returns a Deriver. The three probes are required; everything
// else has a default.
func NewDeriver(opts DeriverOpts) (*Deriver, error) {
	if opts.Toolchain == nil || opts.Registry == nil || opts.Driver == nil {
		return nil, errors.New("Toolchain, registry and driver probes are required")
	}
	d := &Deriver{
		toolchain: opts.Toolchain,
		registry:  opts.Registry,
		driver:    opts.Driver,
		hasher:    opts.Hasher,
		opts:      opts.Options,
		getenv:    opts.Getenv,
		log:       opts.Log,
		tracer:    opts.Tracer,
	}
	if d.hasher == nil {
		d.hasher = hash.SHA256()
	}
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.tracer == nil {
		d.tracer = observe.NoopTracer()
	}
	if d.opts.NumWarps == 0 {
		d.opts.NumWarps = DefaultNumWarps
	}
	if d.opts.NumStages == 0 {
		d.opts.NumStages = DefaultNumStages
	}
	if d.opts.NumWarps < 0 || d.opts.NumStages < 0 {
		return nil, fmt.Errorf("Invalid options: num_warps=%d num_stages=%d",
			d.opts.NumWarps, d.opts.NumStages)
	}
	if d.opts.DebugEnv == "" {
		d.opts.DebugEnv = DefaultDebugEnv
	}
	if d.opts.NumWarps != DefaultNumWarps || d.opts.NumStages != DefaultNumStages {
		d.log.WithFields(logrus.Fields{
			"num_warps":  d.opts.NumWarps,
			"num_stages": d.opts.NumStages,
		}).Info("Using non-default compile options, keys will not match a default run")
	}
	return d, nil
}

// Derive gathers every component and computes the key. A nil source means
// the placeholder content is hashed. Only a toolchain failure, or a registry
// failure other than unavailability, returns an error; a driver failure
// degrades the backend component to a sentinel instead.
func (d *Deriver) Derive(ctx context.Context, source *Source) (key *Key, err error) {

	ctx, span := d.tracer.StartSpan(ctx, "kernkey.derive")
	defer func() { d.tracer.EndSpan(span, err) }()

	key = &Key{}
	if key.Toolchain, err = d.toolchainComponent(ctx); err != nil {
		return nil, err
	}
	if key.Source, err = d.sourceComponent(source); err != nil {
		return nil, err
	}
	if key.Backend, err = d.backendComponent(ctx); err != nil {
		return nil, err
	}
	if key.Options, err = d.optionsComponent(); err != nil {
		return nil, err
	}
	if key.Environment, err = d.environmentComponent(ctx); err != nil {
		return nil, err
	}
	if err = key.Compute(d.hasher); err != nil {
		return nil, err
	}
	d.log.WithField("composite", key.Composite).Debug("Computed cache key")
	return key, nil
}

func (d *Deriver) toolchainComponent(ctx context.Context) (*Component, error) {
	ctx, span := d.tracer.StartSpan(ctx, "kernkey.probe.toolchain")
	fingerprint, err := d.toolchain.Fingerprint(ctx)
	if err == nil && strings.TrimSpace(fingerprint) == "" {
		err = errors.New("empty fingerprint")
	}
	d.tracer.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("Failed to fingerprint toolchain: %w", err)
	}
	fingerprint = strings.TrimSpace(fingerprint)
	d.log.WithField("fingerprint", fingerprint).Debug("Toolchain fingerprint")

	c := &Component{
		Name:      ComponentToolchain,
		Value:     fingerprint,
		Canonical: fingerprint,
		Version:   toolchainVersion(fingerprint),
	}
	if d.opts.DigestToolchain {
		if c.Hash, err = d.hasher.String(fingerprint); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (d *Deriver) sourceComponent(source *Source) (*Component, error) {
	var text, name string
	if source != nil {
		text, name = source.Text, source.Name
	}
	if text == "" {
		d.log.WithField("source", name).Warn("No kernel source supplied, hashing placeholder content")
		text = PlaceholderSource
	}
	digest, err := d.hasher.String(text)
	if err != nil {
		return nil, err
	}
	return &Component{
		Name:      ComponentSource,
		Value:     text,
		Canonical: text,
		Hash:      digest,
	}, nil
}

func (d *Deriver) backendComponent(ctx context.Context) (*Component, error) {
	ctx, span := d.tracer.StartSpan(ctx, "kernkey.probe.target")
	target, err := d.driver.CurrentTarget(ctx)
	descriptor := probe.SentinelDescriptor
	if err != nil {
		d.log.WithError(err).Error("Failed to get current target")
		d.tracer.Degraded(span, err)
	} else {
		descriptor = target.Descriptor()
		span.SetAttributes(attribute.String("kernkey.target", descriptor))
	}
	d.tracer.EndSpan(span, err)

	digest, hashErr := d.hasher.String(descriptor)
	if hashErr != nil {
		return nil, hashErr
	}
	c := &Component{
		Name:      ComponentBackend,
		Value:     descriptor,
		Canonical: descriptor,
		Hash:      digest,
	}
	if err != nil {
		c.degrade(err)
	}
	return c, nil
}

func (d *Deriver) optionsComponent() (*Component, error) {
	values := map[string]interface{}{
		"num_warps":  d.opts.NumWarps,
		"num_stages": d.opts.NumStages,
		"debug":      d.getenv(d.opts.DebugEnv) == "1",
	}
	return d.canonicalComponent(ComponentOptions, values, values)
}

func (d *Deriver) environmentComponent(ctx context.Context) (*Component, error) {
	ctx, span := d.tracer.StartSpan(ctx, "kernkey.probe.environment")
	env, err := d.registry.CacheInvalidatingEnv(ctx)
	var reason error
	switch {
	case errors.Is(err, probe.ErrUnavailable):
		d.log.WithError(err).Warn("Cache-invalidating environment registry is unavailable")
		d.tracer.Degraded(span, err)
		reason, env = err, map[string]string{}
	case err != nil:
		d.tracer.EndSpan(span, err)
		return nil, fmt.Errorf("Failed to query cache-invalidating environment: %w", err)
	case env == nil:
		env = map[string]string{}
	}
	span.SetAttributes(attribute.Int("kernkey.env.count", len(env)))
	d.tracer.EndSpan(span, reason)

	c, err := d.canonicalComponent(ComponentEnvironment, env, sortedPairs(env))
	if err != nil {
		return nil, err
	}
	if reason != nil {
		c.degrade(reason)
	}
	return c, nil
}

// canonicalComponent hashes the canonical serialization of serialized and
// records value as the component's raw value
func (d *Deriver) canonicalComponent(name string, value, serialized interface{}) (*Component, error) {
	canonical, err := hash.Canonical(serialized)
	if err != nil {
		return nil, fmt.Errorf("Failed to serialize %s: %w", name, err)
	}
	digest, err := d.hasher.String(string(canonical))
	if err != nil {
		return nil, err
	}
	return &Component{
		Name:      name,
		Value:     value,
		Canonical: string(canonical),
		Hash:      digest,
	}, nil
}

// sortedPairs returns the map as [name, value] pairs sorted by name
func sortedPairs(m map[string]string) [][]string {
	pairs := make([][]string, 0, len(m))
	for _, k := range MapKeys(m) {
		pairs = append(pairs, []string{k, m[k]})
	}
	return pairs
}

// MapKeys returns a sorted slice containing all keys from the given map
func MapKeys(m map[string]string) (result []string) {
	result = make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return
}

var (
	hexDigestSuffix = regexp.MustCompile(`[0-9a-f]{64}$`)
	versionPrefix   = regexp.MustCompile(`^v?\d+(\.\d+){0,2}`)
)

// toolchainVersion extracts the version that prefixes a fingerprint. Triton
// joins its version directly to the first source digest, as in
// "3.1.0<sha256>-<sha256>-...". It is informational only.
func toolchainVersion(fingerprint string) string {
	prefix := strings.SplitN(fingerprint, "-", 2)[0]
	if len(prefix) > 64 && hexDigestSuffix.MatchString(prefix) {
		prefix = prefix[:len(prefix)-64]
	}
	v, err := semver.NewVersion(prefix)
	if err != nil {
		if v, err = semver.NewVersion(versionPrefix.FindString(prefix)); err != nil {
			return ""
		}
	}
	return v.String()
}
