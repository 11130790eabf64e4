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

package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/fugue/kernkey/cache"
	"github.com/fugue/kernkey/hash"
)

var sectionColor = color.New(color.Bold)

// Key writes the final key alone on one line
func Key(w io.Writer, key *cache.Key) error {
	_, err := fmt.Fprintln(w, key.String())
	return err
}

// Breakdown writes every component of the key in a fixed order followed by
// the key itself. Mappings are shown as sorted JSON indented by two spaces.
func Breakdown(w io.Writer, key *cache.Key) error {

	sections := []struct {
		title string
		value interface{}
	}{
		{"1. Triton Installation Fingerprint:", key.Toolchain.Canonical},
		{"2. Source Code:", map[string]interface{}{
			"content": key.Source.Value,
			"hash":    key.Source.Hash,
		}},
		{"3. Backend Configuration:", map[string]interface{}{
			"info": key.Backend.Value,
			"hash": key.Backend.Hash,
		}},
		{"4. Compilation Options:", map[string]interface{}{
			"values": key.Options.Value,
			"hash":   key.Options.Hash,
		}},
		{"5. Environment Variables:", key.Environment.Value},
		{"6. Final Composite String:", key.Composite},
	}

	var b strings.Builder
	b.WriteString("\n" + sectionColor.Sprint("Cache Key Components Breakdown:") + "\n")
	b.WriteString(strings.Repeat("-", 40) + "\n")

	for _, section := range sections {
		text, err := sectionText(section.value)
		if err != nil {
			return fmt.Errorf("Failed to format %q: %w", section.title, err)
		}
		b.WriteString("\n" + sectionColor.Sprint(section.title) + "\n")
		b.WriteString(text + "\n")
	}

	b.WriteString("\n" + strings.Repeat("=", 40) + "\n")
	b.WriteString(sectionColor.Sprint("Final Cache Key:") + "\n")
	b.WriteString("\n" + key.String() + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func sectionText(value interface{}) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	txt, err := hash.Indent(value, "  ")
	if err != nil {
		return "", err
	}
	return string(txt), nil
}

// JSON writes the key and its components as an indented JSON document
func JSON(w io.Writer, key *cache.Key) error {
	doc := struct {
		Key        string     `json:"cache_key"`
		Components *cache.Key `json:"components"`
	}{key.String(), key}

	js, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(js))
	return err
}
