package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dicochat/server/internal/store"
)

// cliDBWithUsers creates a database where each nickname has the given
// reputation.
func cliDBWithUsers(t *testing.T, users map[string]int64) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dicochat.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	for nick, xp := range users {
		xp := xp
		if _, err := st.UpsertIdentity(ctx, nick, store.IdentityPatch{Reputation: &xp, LastActive: &now}); err != nil {
			t.Fatalf("UpsertIdentity(%q): %v", nick, err)
		}
		if _, err := st.AppendMessage(ctx, store.MessageRecord{Nickname: nick, Content: "hi", CreatedAt: now}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	return dbPath
}

func runCLI(t *testing.T, dbPath string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	handled, err := RunCLI(args, dbPath, &out)
	if !handled {
		t.Fatalf("RunCLI(%v) not handled", args)
	}
	if err != nil {
		t.Fatalf("RunCLI(%v): %v", args, err)
	}
	return out.String()
}

func TestRunCLIUnknownSubcommand(t *testing.T) {
	for _, args := range [][]string{nil, {"serve"}} {
		handled, err := RunCLI(args, "unused.db", &bytes.Buffer{})
		if handled || err != nil {
			t.Fatalf("RunCLI(%v) = %v, %v; want not handled", args, handled, err)
		}
	}
}

func TestCLIVersion(t *testing.T) {
	out := runCLI(t, "unused.db", "version")
	if !strings.Contains(out, Version) {
		t.Fatalf("version output missing %q: %q", Version, out)
	}
}

func TestCLIStatus(t *testing.T) {
	dbPath := cliDBWithUsers(t, map[string]int64{"alice": 3, "bob": 1})
	out := runCLI(t, dbPath, "status")
	if !strings.Contains(out, "Users: 2 (0 online, 0 muted)") {
		t.Fatalf("unexpected status output: %q", out)
	}
	if !strings.Contains(out, "Messages: 2") {
		t.Fatalf("unexpected status output: %q", out)
	}
}

func TestCLITop(t *testing.T) {
	dbPath := cliDBWithUsers(t, map[string]int64{"alice": 3, "bob": 7, "carol": 5})
	out := runCLI(t, dbPath, "top", "2")

	bob := strings.Index(out, "bob")
	carol := strings.Index(out, "carol")
	if bob < 0 || carol < 0 || bob > carol {
		t.Fatalf("expected bob before carol: %q", out)
	}
	if strings.Contains(out, "alice") {
		t.Fatalf("top 2 should not list alice: %q", out)
	}

	if _, err := RunCLI([]string{"top", "zero"}, dbPath, &bytes.Buffer{}); err == nil {
		t.Fatal("expected usage error for a non-numeric limit")
	}
}

func TestCLITopEmpty(t *testing.T) {
	dbPath := cliDBWithUsers(t, nil)
	if out := runCLI(t, dbPath, "top"); !strings.Contains(out, "No users found.") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCLIBackup(t *testing.T) {
	dbPath := cliDBWithUsers(t, map[string]int64{"alice": 1})
	dest := filepath.Join(t.TempDir(), "backup.db")

	out := runCLI(t, dbPath, "backup", dest)
	if !strings.Contains(out, dest) {
		t.Fatalf("unexpected backup output: %q", out)
	}
	if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
		t.Fatalf("backup file missing or empty: %v", err)
	}
}
