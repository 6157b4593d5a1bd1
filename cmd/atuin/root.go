package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bradrf/atuin/internal/client"
	"github.com/bradrf/atuin/internal/config"
	"github.com/bradrf/atuin/pkg/keyring"
	"github.com/bradrf/atuin/pkg/store"
)

var (
	cfgPath string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "atuin",
	Short:         "atuin syncs your shell history across devices, encrypted",
	Long:          `Shell history with encrypted multi-device sync through an untrusted relay.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE runs before every subcommand and loads shared state.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync() //nolint:errcheck
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "Config file path")
}

// Execute runs the CLI with ctx governing cancellation.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// openStore opens the local history database.
func openStore() (*store.Store, error) {
	return store.Open(cfg.DBPath())
}

// readSession returns the saved bearer token, or an error telling the user
// to log in.
func readSession() (string, error) {
	data, err := os.ReadFile(cfg.SessionPath())
	if os.IsNotExist(err) {
		return "", fmt.Errorf("not logged in, run 'atuin login' or 'atuin register' first")
	}
	if err != nil {
		return "", fmt.Errorf("reading session file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeSession persists the bearer token with owner-only permissions.
func writeSession(token string) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(cfg.SessionPath(), []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

// loadKey loads the persisted encryption key.
func loadKey() ([]byte, error) {
	m := keyring.NewManager()
	if err := m.Load(cfg.KeyPath()); err != nil {
		return nil, fmt.Errorf("no encryption key available, run 'atuin login' first: %w", err)
	}
	return m.Key()
}

// newClient creates a relay client; withSession attaches the saved bearer
// token.
func newClient(withSession bool) (*client.Client, error) {
	ccfg := client.Config{
		Address:    cfg.SyncAddress,
		Timeout:    cfg.Timeout(),
		MaxRetries: cfg.Sync.MaxRetries,
	}
	if withSession {
		session, err := readSession()
		if err != nil {
			return nil, err
		}
		ccfg.Session = session
	}
	return client.New(ccfg, client.WithLogger(logger))
}
