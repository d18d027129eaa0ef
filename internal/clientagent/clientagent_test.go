package clientagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"woodstock/internal/clientconfig"
	"woodstock/internal/manifest"
)

func writeShareFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o640); err != nil {
		t.Fatal(err)
	}
}

func drainJournal(t *testing.T, ch <-chan manifest.JournalEntry) []manifest.JournalEntry {
	t.Helper()
	var out []manifest.JournalEntry
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestFreshHostEmitsAddThenClose(t *testing.T) {
	share := t.TempDir()
	writeShareFile(t, share, "hello.txt", "HELLOWORLD")

	a, err := New(Config{
		HostDir:   t.TempDir(),
		Name:      "host1",
		ConfigDir: clientconfig.New(t.TempDir()),
		Tasks:     []Task{{Shares: []manifest.ShareConfig{{Path: share}}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.PrepareBackup(context.Background(), manifest.BackupConfiguration{}, -1, 0); err != nil {
		t.Fatal(err)
	}

	ch, err := a.LaunchBackup(context.Background(), 0)
	if err != nil {
		t.Fatalf("launchBackup: %v", err)
	}
	entries := drainJournal(t, ch)

	if len(entries) != 2 {
		t.Fatalf("expected ADD + CLOSE, got %d entries: %+v", len(entries), entries)
	}
	if entries[0].Op != manifest.OpAdd || entries[0].Manifest == nil {
		t.Fatalf("expected first entry ADD with manifest, got %+v", entries[0])
	}
	if filepath.Base(entries[0].Manifest.Path) != "hello.txt" {
		t.Errorf("unexpected path: %s", entries[0].Manifest.Path)
	}
	if len(entries[0].Manifest.Chunks) != 1 {
		t.Errorf("expected 1 chunk for a 10-byte file, got %d", len(entries[0].Manifest.Chunks))
	}
	if entries[1].Op != manifest.OpClose {
		t.Errorf("expected CLOSE terminator, got %v", entries[1].Op)
	}
}

func TestUnchangedFileEmitsOnlyClose(t *testing.T) {
	share := t.TempDir()
	writeShareFile(t, share, "hello.txt", "HELLOWORLD")

	a, err := New(Config{
		HostDir:   t.TempDir(),
		Name:      "host1",
		ConfigDir: clientconfig.New(t.TempDir()),
		Tasks:     []Task{{Shares: []manifest.ShareConfig{{Path: share}}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ch, err := a.LaunchBackup(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	drainJournal(t, ch)

	ch2, err := a.LaunchBackup(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	entries := drainJournal(t, ch2)
	if len(entries) != 1 || entries[0].Op != manifest.OpClose {
		t.Errorf("expected only CLOSE on unchanged second backup, got %+v", entries)
	}
}

func TestRemovedFileEmitsRemoveThenClose(t *testing.T) {
	share := t.TempDir()
	writeShareFile(t, share, "hello.txt", "HELLOWORLD")

	a, err := New(Config{
		HostDir:   t.TempDir(),
		Name:      "host1",
		ConfigDir: clientconfig.New(t.TempDir()),
		Tasks:     []Task{{Shares: []manifest.ShareConfig{{Path: share}}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ch, err := a.LaunchBackup(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	drainJournal(t, ch)

	if err := os.Remove(filepath.Join(share, "hello.txt")); err != nil {
		t.Fatal(err)
	}

	ch2, err := a.LaunchBackup(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	entries := drainJournal(t, ch2)
	if len(entries) != 2 {
		t.Fatalf("expected REMOVE + CLOSE, got %+v", entries)
	}
	if entries[0].Op != manifest.OpRemove {
		t.Errorf("expected REMOVE first, got %v", entries[0].Op)
	}
	if entries[1].Op != manifest.OpClose {
		t.Errorf("expected CLOSE last, got %v", entries[1].Op)
	}
}

func TestModifiedFileEmitsModify(t *testing.T) {
	share := t.TempDir()
	writeShareFile(t, share, "hello.txt", "HELLOWORLD")

	a, err := New(Config{
		HostDir:   t.TempDir(),
		Name:      "host1",
		ConfigDir: clientconfig.New(t.TempDir()),
		Tasks:     []Task{{Shares: []manifest.ShareConfig{{Path: share}}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := a.LaunchBackup(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	drainJournal(t, ch)

	writeShareFile(t, share, "hello.txt", "HELLOEARTH")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(share, "hello.txt"), future, future); err != nil {
		t.Fatal(err)
	}

	ch2, err := a.LaunchBackup(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	entries := drainJournal(t, ch2)
	if len(entries) != 2 || entries[0].Op != manifest.OpModify {
		t.Fatalf("expected MODIFY + CLOSE, got %+v", entries)
	}
}

func TestLockPreventsConcurrentBackup(t *testing.T) {
	a, err := New(Config{HostDir: t.TempDir(), Name: "host1", ConfigDir: clientconfig.New(t.TempDir())})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.acquireLock(); err != nil {
		t.Fatal(err)
	}
	defer a.releaseLock()

	if _, err := a.LaunchBackup(context.Background(), 0); err == nil {
		t.Error("expected second concurrent LaunchBackup to fail to acquire the lock")
	}
}
