package shell

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeHistory(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing history file: %v", err)
	}
	return path
}

func TestImportZshExtendedFormat(t *testing.T) {
	path := writeHistory(t, "zsh_history",
		": 1700000000:0;ls -la\n"+
			": 1700000060:5;make build\n"+
			"plain command without metadata\n"+
			"\n")
	t.Setenv("HISTFILE", path)

	entries, err := Import("zsh")
	if err != nil {
		t.Fatalf("Import(zsh): %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("imported %d entries, want 3", len(entries))
	}

	first := entries[0]
	if first.Command != "ls -la" {
		t.Errorf("command = %q, want %q", first.Command, "ls -la")
	}
	if want := time.Unix(1700000000, 0).UTC(); !first.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp, want)
	}

	if entries[1].Duration != 5*time.Second {
		t.Errorf("duration = %v, want 5s", entries[1].Duration)
	}

	// Plain lines keep the command verbatim and an import-time timestamp.
	if entries[2].Command != "plain command without metadata" {
		t.Errorf("plain command = %q", entries[2].Command)
	}
	if entries[2].Timestamp.IsZero() {
		t.Error("plain line has zero timestamp")
	}

	for _, e := range entries {
		if e.ID == "" {
			t.Error("imported entry without id")
		}
	}
}

func TestImportZshContinuationLines(t *testing.T) {
	path := writeHistory(t, "zsh_history",
		": 1700000000:0;for f in *.go; do \\\n  echo \"$f\"; \\\ndone\n"+
			": 1700000001:0;pwd\n")
	t.Setenv("HISTFILE", path)

	entries, err := Import("zsh")
	if err != nil {
		t.Fatalf("Import(zsh): %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("imported %d entries, want 2", len(entries))
	}
	want := "for f in *.go; do \n  echo \"$f\"; \ndone"
	if entries[0].Command != want {
		t.Errorf("folded command = %q, want %q", entries[0].Command, want)
	}
	if entries[1].Command != "pwd" {
		t.Errorf("second command = %q, want %q", entries[1].Command, "pwd")
	}
}

func TestImportBash(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	content := "ls\n#1700000000\ncd /tmp\n\n"
	if err := os.WriteFile(filepath.Join(home, ".bash_history"), []byte(content), 0o600); err != nil {
		t.Fatalf("writing history file: %v", err)
	}

	entries, err := Import("bash")
	if err != nil {
		t.Fatalf("Import(bash): %v", err)
	}
	// HISTTIMEFORMAT comment lines and blanks are dropped.
	if len(entries) != 2 {
		t.Fatalf("imported %d entries, want 2", len(entries))
	}
	if entries[0].Command != "ls" || entries[1].Command != "cd /tmp" {
		t.Errorf("commands = %q, %q", entries[0].Command, entries[1].Command)
	}
}

func TestImportAutoFallsBackToBash(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HISTFILE", filepath.Join(home, "no-such-zsh-history"))
	if err := os.WriteFile(filepath.Join(home, ".bash_history"), []byte("uptime\n"), 0o600); err != nil {
		t.Fatalf("writing history file: %v", err)
	}

	entries, err := Import("auto")
	if err != nil {
		t.Fatalf("Import(auto): %v", err)
	}
	if len(entries) != 1 || entries[0].Command != "uptime" {
		t.Errorf("entries = %v", entries)
	}
}

func TestImportMissingFile(t *testing.T) {
	t.Setenv("HISTFILE", filepath.Join(t.TempDir(), "missing"))
	if _, err := Import("zsh"); !errors.Is(err, ErrNoHistoryFile) {
		t.Errorf("Import error = %v, want ErrNoHistoryFile", err)
	}
}

func TestImportUnsupportedShell(t *testing.T) {
	if _, err := Import("fish"); err == nil {
		t.Error("Import(fish) succeeded, want error")
	}
}
