package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/internal/shell"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <zsh|bash>",
	Short: "Print the shell hook script",
	Long: `Print the hook script that records every executed command.

Add to your shell rc file:

  # ~/.zshrc
  eval "$(atuin init zsh)"

  # ~/.bashrc
  eval "$(atuin init bash)"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "zsh":
			fmt.Print(shell.ZshHook)
		case "bash":
			fmt.Print(shell.BashHook)
		default:
			return fmt.Errorf("unsupported shell %q (zsh and bash are supported)", args[0])
		}
		return nil
	},
}
