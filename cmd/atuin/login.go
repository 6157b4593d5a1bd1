package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/pkg/keyring"
)

var (
	loginUsername   string
	loginPassword   string
	loginPassphrase string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Account name")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (prompted if omitted)")
	loginCmd.Flags().StringVarP(&loginPassphrase, "key", "k", "", "Recovery passphrase (prompted if omitted)")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the sync relay on this device",
	Long: `Log in to an existing account and derive the encryption key.

The recovery passphrase printed at registration is required; the relay
never sees it and cannot reset it.`,
	RunE: executeLogin,
}

func executeLogin(cmd *cobra.Command, args []string) error {
	if loginUsername == "" {
		return fmt.Errorf("--username is required")
	}
	password := loginPassword
	if password == "" {
		var err error
		password, err = promptPassword("Password: ")
		if err != nil {
			return err
		}
	}
	passphrase := loginPassphrase
	if passphrase == "" {
		var err error
		passphrase, err = promptPassword("Recovery passphrase: ")
		if err != nil {
			return err
		}
	}
	if passphrase == "" {
		return fmt.Errorf("recovery passphrase must not be empty")
	}

	cl, err := newClient(false)
	if err != nil {
		return err
	}
	session, err := cl.Login(cmd.Context(), loginUsername, password)
	if err != nil {
		return err
	}
	if err := writeSession(session); err != nil {
		return err
	}
	if err := writeUsername(loginUsername); err != nil {
		return err
	}

	km := keyring.NewManager()
	if err := km.Derive(loginUsername, passphrase); err != nil {
		return err
	}
	if err := km.Save(cfg.KeyPath()); err != nil {
		return err
	}
	fingerprint, err := km.Fingerprint()
	if err != nil {
		return err
	}

	fmt.Printf("Logged in as %q. Key fingerprint: %s\n", loginUsername, fingerprint)
	fmt.Println("If the fingerprint differs from your other devices, the passphrase was mistyped.")
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the local session and encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range []string{cfg.SessionPath(), cfg.KeyPath(), cfg.UsernamePath()} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
		}
		fmt.Println("Logged out.")
		return nil
	},
}
