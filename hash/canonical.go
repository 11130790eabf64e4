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

package hash

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Canonical returns the deterministic JSON serialization of v. The output is
// byte-for-byte what Python's json.dumps(v, sort_keys=True) produces, so keys
// derived here agree with keys derived by Python tooling. Map keys are sorted
// and every non-printable or non-ASCII rune is escaped.
//
// Supported values are nil, booleans, strings, integers, floats, maps with
// string keys, slices and arrays, and pointers or interfaces holding those.
func Canonical(v interface{}) ([]byte, error) {
	e := &encoder{}
	if err := e.encode(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Indent returns the serialization of v laid out like Python's
// json.dumps(v, indent=len(indent), sort_keys=True). It is meant for display.
func Indent(v interface{}, indent string) ([]byte, error) {
	e := &encoder{indent: indent}
	if err := e.encode(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf    bytes.Buffer
	indent string
}

func (e *encoder) encode(v reflect.Value, depth int) error {
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(v.Elem(), depth)
	case reflect.Bool:
		e.buf.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		e.buf.WriteString(formatFloat(v.Float()))
	case reflect.String:
		writeString(&e.buf, v.String())
	case reflect.Map:
		return e.encodeMap(v, depth)
	case reflect.Slice, reflect.Array:
		return e.encodeList(v, depth)
	default:
		return fmt.Errorf("Cannot serialize value of type %s", v.Type())
	}
	return nil
}

func (e *encoder) encodeMap(v reflect.Value, depth int) error {
	if v.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("Cannot serialize map with %s keys", v.Type().Key())
	}
	if v.Len() == 0 {
		e.buf.WriteString("{}")
		return nil
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	e.buf.WriteByte('{')
	for i, k := range keys {
		e.separate(i, depth+1)
		writeString(&e.buf, k.String())
		e.buf.WriteString(": ")
		if err := e.encode(v.MapIndex(k), depth+1); err != nil {
			return err
		}
	}
	e.closing(depth)
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeList(v reflect.Value, depth int) error {
	if v.Len() == 0 {
		e.buf.WriteString("[]")
		return nil
	}
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		e.separate(i, depth+1)
		if err := e.encode(v.Index(i), depth+1); err != nil {
			return err
		}
	}
	e.closing(depth)
	e.buf.WriteByte(']')
	return nil
}

// separate writes what precedes the i-th item of a container
func (e *encoder) separate(i, depth int) {
	if e.indent == "" {
		if i > 0 {
			e.buf.WriteString(", ")
		}
		return
	}
	if i > 0 {
		e.buf.WriteByte(',')
	}
	e.buf.WriteByte('\n')
	e.buf.WriteString(strings.Repeat(e.indent, depth))
}

func (e *encoder) closing(depth int) {
	if e.indent == "" {
		return
	}
	e.buf.WriteByte('\n')
	e.buf.WriteString(strings.Repeat(e.indent, depth))
}

// writeString quotes s with ASCII-only output
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r < 0x10000:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
			}
		}
	}
	buf.WriteByte('"')
}

// formatFloat follows Python's float repr: shortest round-trip digits,
// positional between 1e-4 and 1e16 and scientific outside of it.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	abs := math.Abs(f)
	if abs >= 1e-4 && abs < 1e16 {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	return strconv.FormatFloat(f, 'e', -1, 64)
}
