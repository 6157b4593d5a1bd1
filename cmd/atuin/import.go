package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/internal/shell"
	"github.com/bradrf/atuin/pkg/store"
)

func init() {
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import [auto|zsh|bash]",
	Short: "Import existing shell history files",
	Long: `Import history from your shell's existing history file.

Examples:
  # Detect and import whatever history file exists
  atuin import auto

  # Import ~/.zsh_history (extended format supported)
  atuin import zsh

  # Import ~/.bash_history
  atuin import bash`,
	Args: cobra.MaximumNArgs(1),
	RunE: executeImport,
}

func executeImport(cmd *cobra.Command, args []string) error {
	which := "auto"
	if len(args) == 1 {
		which = args[0]
	}

	entries, err := shell.Import(which)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	imported := 0
	for _, e := range entries {
		res, err := st.Insert(cmd.Context(), e)
		if err != nil {
			return err
		}
		if res == store.Inserted {
			imported++
		}
	}

	fmt.Printf("Imported %d of %d entries.\n", imported, len(entries))
	return nil
}
