package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/internal/client"
	syncengine "github.com/bradrf/atuin/internal/sync"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize history with the relay",
	Long: `Pull new encrypted history from the relay, merge it locally, then push
local entries the relay has not seen. Safe to interrupt and re-run: sync
always resumes from the last fully merged page.`,
	RunE: executeSync,
}

func executeSync(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	key, err := loadKey()
	if err != nil {
		return err
	}

	cl, err := newClient(true)
	if err != nil {
		return err
	}

	engine := syncengine.New(st, cl, key, syncengine.Config{
		PageSize:    cfg.Sync.PageSize,
		UploadBatch: cfg.Sync.UploadBatch,
	}, logger)

	summary, err := engine.Run(cmd.Context())
	if err != nil {
		switch {
		case errors.Is(err, client.ErrUnauthorized):
			return fmt.Errorf("session rejected by relay, run 'atuin login' again: %w", err)
		case errors.Is(err, syncengine.ErrRunInProgress):
			return err
		default:
			return fmt.Errorf("sync failed, check connectivity and retry: %w", err)
		}
	}

	fmt.Printf("Sync complete: %d pulled, %d pushed", summary.Pulled, summary.Pushed)
	if summary.Skipped > 0 {
		fmt.Printf(", %d skipped (undecryptable)", summary.Skipped)
	}
	fmt.Println()
	return nil
}
