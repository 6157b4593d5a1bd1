package shell

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bradrf/atuin/pkg/history"
)

// ErrNoHistoryFile indicates no known history file was found for import.
var ErrNoHistoryFile = errors.New("shell: no history file found")

// maxImportLine bounds a single history line; longer lines are truncated
// by the scanner buffer below.
const maxImportLine = 1 << 20

// Import parses the history file of the named shell ("zsh", "bash" or
// "auto") into entries. Entries get fresh ids; commands are taken
// byte-for-byte, timestamps when the file format records them.
func Import(shell string) ([]*history.Entry, error) {
	switch shell {
	case "zsh":
		return importZsh(zshHistoryPath())
	case "bash":
		return importBash(bashHistoryPath())
	case "auto", "":
		if entries, err := importZsh(zshHistoryPath()); err == nil {
			return entries, nil
		}
		return importBash(bashHistoryPath())
	default:
		return nil, fmt.Errorf("shell: unsupported shell %q", shell)
	}
}

func zshHistoryPath() string {
	if p := os.Getenv("HISTFILE"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".zsh_history")
}

func bashHistoryPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bash_history")
}

// importZsh reads zsh extended-history lines of the form
// ": <start>:<elapsed>;<command>", plus plain lines for files written
// without EXTENDED_HISTORY. Continuation lines ending in backslash belong
// to the preceding command.
func importZsh(path string) ([]*history.Entry, error) {
	lines, err := readHistoryLines(path)
	if err != nil {
		return nil, err
	}

	session := importSession()
	var entries []*history.Entry
	for _, line := range lines {
		command := line
		var started time.Time
		var elapsed time.Duration

		if rest, ok := strings.CutPrefix(line, ": "); ok {
			meta, cmd, found := strings.Cut(rest, ";")
			if found {
				command = cmd
				if startRaw, elapsedRaw, ok := strings.Cut(meta, ":"); ok {
					if sec, err := strconv.ParseInt(startRaw, 10, 64); err == nil {
						started = time.Unix(sec, 0).UTC()
					}
					if sec, err := strconv.ParseInt(elapsedRaw, 10, 64); err == nil {
						elapsed = time.Duration(sec) * time.Second
					}
				}
			}
		}

		command = strings.TrimRight(command, "\n")
		if strings.TrimSpace(command) == "" {
			continue
		}

		e := history.New(command, "", session)
		if !started.IsZero() {
			e.Timestamp = started
		}
		e.Duration = elapsed
		entries = append(entries, e)
	}
	return entries, nil
}

// importBash reads plain bash history lines. Bash records no timestamps in
// the default format, so entries keep import-time timestamps.
func importBash(path string) ([]*history.Entry, error) {
	lines, err := readHistoryLines(path)
	if err != nil {
		return nil, err
	}

	session := importSession()
	var entries []*history.Entry
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// Timestamp comment lines written under HISTTIMEFORMAT.
		if strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, history.New(line, "", session))
	}
	return entries, nil
}

// readHistoryLines reads path, folding backslash continuation lines.
func readHistoryLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoHistoryFile, path)
	}
	if err != nil {
		return nil, fmt.Errorf("shell: opening history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxImportLine)

	var lines []string
	var pending string
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutSuffix(line, "\\"); ok {
			pending += rest + "\n"
			continue
		}
		lines = append(lines, pending+line)
		pending = ""
	}
	if pending != "" {
		lines = append(lines, strings.TrimSuffix(pending, "\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("shell: reading history file: %w", err)
	}
	return lines, nil
}

func importSession() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return "import-" + hostname
}
