// Copyright 2020 Fugue, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

func newCompletionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate completion script",
		Long: `To load completions:

Bash:

$ source <(kernkey completion bash)

# To load completions for each session, execute once:
Linux:
  $ kernkey completion bash > /etc/bash_completion.d/kernkey
MacOS:
  $ kernkey completion bash > /usr/local/etc/bash_completion.d/kernkey

Zsh:

$ source <(kernkey completion zsh)

# To load completions for each session with oh-my-zsh, execute once:
  $ mkdir -p ~/.oh-my-zsh/completions
  $ kernkey completion zsh > ~/.oh-my-zsh/completions/_kernkey
# Then execute to reload for your current session:
  $ exec zsh

# To load completions for each session manually with zsh, place the completions
# in a directory (~/.completions in this example):
  $ mkdir -p ~/.completions
  $ kernkey completion zsh > ~/.completions/_kernkey
# Then add the directory to your fpath, for example by adding in ~/.zshrc
  fpath=(~/.completions $fpath)
# Then execute to reload for your current session
  $ exec zsh

Fish:

$ kernkey completion fish | source

# To load completions for each session, execute once:
$ kernkey completion fish > ~/.config/fish/completions/kernkey.fish
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletion(out)
			}
		},
	}
}
