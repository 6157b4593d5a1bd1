package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var searchLimit int

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVar(&searchLimit, "limit", 40, "Maximum entries to show")
}

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Search local history",
	Long: `Search local history for commands containing the pattern.

The pattern supports * and ? wildcards:

  atuin search 'git push*'
  atuin search 'curl'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.Search(cmd.Context(), strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}
