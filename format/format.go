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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/fatih/structs"
	"github.com/fugue/kernkey/hash"
)

var (
	firstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	allCap   = regexp.MustCompile("([a-z0-9])([A-Z])")
)

// toSnakeCase converts a Go field name to snake case: "WarpSize" -> "Warp_Size"
func toSnakeCase(name string) string {
	s := firstCap.ReplaceAllString(name, "${1}_${2}")
	return allCap.ReplaceAllString(s, "${1}_${2}")
}

// cellText renders one table cell. Maps and slices use the canonical
// single-line serialization so equal values always render identically.
func cellText(value interface{}) (string, error) {
	switch value.(type) {
	case map[string]interface{}, map[string]string, []string, []interface{}:
		txt, err := hash.Canonical(value)
		if err != nil {
			return "", err
		}
		return string(txt), nil
	case nil:
		return "-", nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func tableCells(rows []interface{}, columns []string) ([][]string, error) {
	result := make([][]string, len(rows))
	for i, row := range rows {
		fields := structs.Map(row)
		cells := make([]string, len(columns))
		for j, column := range columns {
			value, ok := fields[column]
			if !ok {
				return nil, fmt.Errorf("Row has no attribute: %s", column)
			}
			text, err := cellText(value)
			if err != nil {
				return nil, err
			}
			cells[j] = text
		}
		result[i] = cells
	}
	return result, nil
}

func columnWidths(cells [][]string, labels []string, includeLabels bool) []int {
	widths := make([]int, len(labels))
	if includeLabels {
		for i, label := range labels {
			widths[i] = len(label)
		}
	}
	for _, row := range cells {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	return widths
}

// TableOpts are options used when rendering a table
type TableOpts struct {
	Rows       []interface{}
	Colors     []*color.Color
	Columns    []string
	Separator  string
	ShowHeader bool
}

// Table builds a text table from the given rows and chosen columns. Rows
// must be structs; columns name their fields. Colors, when given, must have
// one entry per row and a nil entry leaves that row uncolored.
func Table(opts TableOpts) ([]string, error) {

	if len(opts.Rows) == 0 {
		return nil, errors.New("No rows to display")
	}
	if len(opts.Columns) == 0 {
		return nil, errors.New("No columns to display")
	}

	labels := make([]string, len(opts.Columns))
	for i, name := range opts.Columns {
		labels[i] = strings.ToUpper(toSnakeCase(name))
	}

	cells, err := tableCells(opts.Rows, opts.Columns)
	if err != nil {
		return nil, err
	}

	separator := " | "
	if opts.Separator != "" {
		separator = opts.Separator
	}

	widths := columnWidths(cells, labels, opts.ShowHeader)
	formats := make([]string, len(widths))
	tableWidth := len(separator) * (len(widths) - 1)
	for i, width := range widths {
		formats[i] = fmt.Sprintf("%%-%ds", width)
		tableWidth += width
	}

	var lines []string
	if opts.ShowHeader {
		headers := make([]string, len(labels))
		for i, label := range labels {
			headers[i] = fmt.Sprintf(formats[i], label)
		}
		rule := strings.Repeat("=", tableWidth)
		lines = append(lines, rule, strings.Join(headers, separator), rule)
	}

	var rowColors []*color.Color
	if len(opts.Colors) == len(opts.Rows) {
		rowColors = opts.Colors
	}

	for i, row := range cells {
		items := make([]string, len(row))
		for j, cell := range row {
			if rowColors != nil && rowColors[i] != nil {
				items[j] = rowColors[i].Sprintf(formats[j], cell)
			} else {
				items[j] = fmt.Sprintf(formats[j], cell)
			}
		}
		lines = append(lines, strings.Join(items, separator))
	}
	return lines, nil
}
