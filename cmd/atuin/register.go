package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bradrf/atuin/pkg/keyring"
)

var (
	registerUsername string
	registerPassword string
)

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().StringVarP(&registerUsername, "username", "u", "", "Account name")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Account password (prompted if omitted)")
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a sync account on the relay",
	Long: `Create a sync account and generate the encryption passphrase.

The passphrase is printed exactly once. Write it down: it is required to
read your history from any other device, and it never leaves your machines.`,
	RunE: executeRegister,
}

func executeRegister(cmd *cobra.Command, args []string) error {
	if registerUsername == "" {
		return fmt.Errorf("--username is required")
	}
	password := registerPassword
	if password == "" {
		var err error
		password, err = promptPassword("Password: ")
		if err != nil {
			return err
		}
	}

	cl, err := newClient(false)
	if err != nil {
		return err
	}
	session, err := cl.Register(cmd.Context(), registerUsername, password)
	if err != nil {
		return err
	}
	if err := writeSession(session); err != nil {
		return err
	}
	if err := writeUsername(registerUsername); err != nil {
		return err
	}

	passphrase, err := keyring.GeneratePassphrase()
	if err != nil {
		return err
	}
	km := keyring.NewManager()
	if err := km.Derive(registerUsername, passphrase); err != nil {
		return err
	}
	if err := km.Save(cfg.KeyPath()); err != nil {
		return err
	}
	fingerprint, err := km.Fingerprint()
	if err != nil {
		return err
	}

	fmt.Printf("Account %q registered.\n\n", registerUsername)
	fmt.Printf("Your recovery passphrase (needed to log in on other devices):\n\n")
	fmt.Printf("    %s\n\n", passphrase)
	fmt.Printf("Key fingerprint: %s\n", fingerprint)
	fmt.Println("Store the passphrase somewhere safe. It cannot be recovered.")
	return nil
}

func writeUsername(username string) error {
	return os.WriteFile(cfg.UsernamePath(), []byte(username), 0o600)
}

// promptPassword reads a line without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(raw), nil
}
