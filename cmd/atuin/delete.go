package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deletePush bool

func init() {
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().BoolVar(&deletePush, "push", false, "Also append the tombstone on the relay immediately")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a history entry everywhere",
	Long: `Delete a history entry by id.

Deletion writes a permanent tombstone: the entry disappears from this
device now and from your other devices after their next sync. It can never
be re-inserted.`,
	Args: cobra.ExactArgs(1),
	RunE: executeDelete,
}

func executeDelete(cmd *cobra.Command, args []string) error {
	id := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Tombstone(cmd.Context(), id); err != nil {
		return err
	}

	if deletePush {
		cl, err := newClient(true)
		if err != nil {
			return err
		}
		if err := cl.Delete(cmd.Context(), id); err != nil {
			return fmt.Errorf("tombstoned locally, but relay delete failed (will propagate on next sync): %w", err)
		}
		// The tombstone is on the relay now; the next push would be a
		// harmless no-op either way.
		if err := st.MarkSynced(cmd.Context(), []string{id}); err != nil {
			return err
		}
	}

	fmt.Printf("Deleted %s.\n", id)
	return nil
}
