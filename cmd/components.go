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
	"fmt"

	"github.com/fatih/color"
	"github.com/fugue/kernkey/format"
	"github.com/spf13/cobra"
)

type componentsViewItem struct {
	Component string
	Segment   string
	Version   string
	Degraded  string
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// newComponentsCommand returns a command that lists the key components
func (a *app) newComponentsCommand() *cobra.Command {

	defaultCols := []string{
		"Component",
		"Segment",
		"Degraded",
	}

	cmd := &cobra.Command{
		Use:     "components",
		Short:   "List the components of the cache key",
		Aliases: []string{"c"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {

			key, ok := a.derive()
			if !ok {
				return
			}
			defer a.shutdown()

			columns := defaultCols
			if a.v.GetBool("versions") {
				columns = append([]string{}, "Component", "Version", "Segment", "Degraded")
			}

			var rows []interface{}
			var colors []*color.Color
			highlight := color.New(color.FgYellow)
			for _, c := range key.Components() {
				rows = append(rows, componentsViewItem{
					Component: c.Name,
					Segment:   c.Segment(),
					Version:   orDash(c.Version),
					Degraded:  orDash(c.Degraded),
				})
				if c.Degraded != "" {
					colors = append(colors, highlight)
				} else {
					colors = append(colors, nil)
				}
			}
			table, err := format.Table(format.TableOpts{
				Rows:       rows,
				Colors:     colors,
				Columns:    columns,
				ShowHeader: true,
			})
			if err != nil {
				a.fatal(err)
				return
			}

			for _, tableRow := range table {
				fmt.Fprintln(a.stdout, tableRow)
			}
			fmt.Fprintln(a.stdout, key.String())
		},
	}

	cmd.Flags().Bool("versions", false, "Show the toolchain version column")
	a.v.BindPFlag("versions", cmd.Flags().Lookup("versions"))
	return cmd
}
