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

	"github.com/fatih/structs"
	"github.com/fugue/kernkey/format"
	"github.com/spf13/cobra"
)

type envViewItem struct {
	Key   string
	Value interface{}
}

// newEnvCommand returns a command that lists the effective configuration
func (a *app) newEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List kernkey environment and configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {

			defaultCols := []string{
				"Key",
				"Value",
			}

			fields := structs.Map(getKernkeyOptions(a.v))

			var rows []interface{}
			for _, k := range structs.Names(kernkeyOptions{}) {
				rows = append(rows, envViewItem{Key: k, Value: fields[k]})
			}

			table, err := format.Table(format.TableOpts{
				Rows:       rows,
				Columns:    defaultCols,
				ShowHeader: true,
			})
			if err != nil {
				a.fatal(err)
				return
			}

			for _, tableRow := range table {
				fmt.Fprintln(a.stdout, tableRow)
			}
		},
	}
}
