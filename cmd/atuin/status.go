package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/pkg/keyring"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(keyCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Relay:       %s\n", cfg.SyncAddress)
		fmt.Printf("Account:     %s\n", savedUsername())
		fmt.Printf("Session:     %s\n", presence(cfg.SessionPath()))
		fmt.Printf("Key:         %s\n", keyStatus())
		fmt.Printf("Entries:     %d\n", stats.Entries)
		fmt.Printf("Tombstones:  %d\n", stats.Tombstones)
		fmt.Printf("Unsynced:    %d\n", stats.Unsynced)
		fmt.Printf("Cursor:      %d\n", stats.Cursor)
		return nil
	},
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Show the encryption key status and fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := keyring.NewManager()
		if err := m.Load(cfg.KeyPath()); err != nil {
			fmt.Println("Key: absent (run 'atuin login')")
			return nil
		}
		fingerprint, err := m.Fingerprint()
		if err != nil {
			return err
		}
		fmt.Printf("Key: present, fingerprint %s\n", fingerprint)
		return nil
	},
}

func savedUsername() string {
	data, err := os.ReadFile(cfg.UsernamePath())
	if err != nil {
		return "(none)"
	}
	return strings.TrimSpace(string(data))
}

func presence(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "absent"
	}
	return "present"
}

func keyStatus() string {
	m := keyring.NewManager()
	if err := m.Load(cfg.KeyPath()); err != nil {
		return keyring.StatusAbsent.String()
	}
	return m.Status().String()
}
