package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bradrf/atuin/pkg/history"
)

var (
	addExit       int
	addDurationMS int64
	addCwd        string
	addSession    string

	listLimit int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(uuidCmd)
	historyCmd.AddCommand(historyAddCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyLastCmd)

	historyAddCmd.Flags().IntVar(&addExit, "exit", 0, "Command exit code")
	historyAddCmd.Flags().Int64Var(&addDurationMS, "duration", 0, "Command duration in milliseconds")
	historyAddCmd.Flags().StringVar(&addCwd, "cwd", "", "Working directory (defaults to current)")
	historyAddCmd.Flags().StringVar(&addSession, "session", "", "Shell session id (defaults to $ATUIN_SESSION)")

	historyListCmd.Flags().IntVar(&listLimit, "limit", 40, "Maximum entries to show")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Record and inspect local shell history",
}

var historyAddCmd = &cobra.Command{
	Use:   "add -- <command...>",
	Short: "Record an executed command",
	Args:  cobra.MinimumNArgs(1),
	RunE:  executeHistoryAdd,
}

func executeHistoryAdd(cmd *cobra.Command, args []string) error {
	command := strings.TrimSpace(strings.Join(args, " "))
	if command == "" {
		return nil
	}

	cwd := addCwd
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			cwd = ""
		}
	}
	session := addSession
	if session == "" {
		session = os.Getenv("ATUIN_SESSION")
	}

	e := history.New(command, cwd, session)
	e.Exit = addExit
	e.Duration = time.Duration(addDurationMS) * time.Millisecond

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.Insert(cmd.Context(), e); err != nil {
		return err
	}
	return nil
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent history entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.List(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}

var historyLastCmd = &cobra.Command{
	Use:   "last",
	Short: "Show the most recent history entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.List(cmd.Context(), 1)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("history is empty")
		}
		printEntries(entries)
		return nil
	},
}

// uuidCmd supports the shell hooks, which need a session id per shell.
var uuidCmd = &cobra.Command{
	Use:    "uuid",
	Short:  "Print a random UUID",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(uuid.NewString())
	},
}

func printEntries(entries []history.Entry) {
	for _, e := range entries {
		fmt.Printf("%s  [%3d]  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Exit, e.Command)
	}
}
