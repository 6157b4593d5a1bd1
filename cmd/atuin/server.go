package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/internal/server"
)

var (
	serverHost string
	serverPort int
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverHost, "host", "", "Listen address (overrides config)")
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides config)")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the sync relay",
	Long: `Run the sync relay server.

The relay stores only opaque encrypted blobs per account and can never
read command content.`,
	RunE: executeServer,
}

func executeServer(cmd *cobra.Command, args []string) error {
	host := cfg.Server.Host
	if serverHost != "" {
		host = serverHost
	}
	port := cfg.Server.Port
	if serverPort != 0 {
		port = serverPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	st, err := server.OpenStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := server.New(st, addr, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
