package mirror

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outlinehq/outlinesync/internal/httpapi"
	"github.com/outlinehq/outlinesync/internal/outline"
	"github.com/outlinehq/outlinesync/internal/treesync"
)

func TestPathIdentityMapping(t *testing.T) {
	m := &Mirror{baseDir: filepath.Join(string(filepath.Separator), "tmp", "out"), rootIdentity: "/outline/"}

	if got := m.pathForIdentity("/outline/"); got != m.baseDir {
		t.Fatalf("expected root identity to map to the base directory, got %q", got)
	}
	nested := filepath.Join(m.baseDir, "3", "1")
	if got := m.pathForIdentity("/outline/3/1/"); got != nested {
		t.Fatalf("unexpected nested path %q", got)
	}

	identity, ok := m.identityForTextPath(filepath.Join(nested, textFileName))
	if !ok || identity != "/outline/3/1/" {
		t.Fatalf("expected mapping to invert, got %q (%v)", identity, ok)
	}
	identity, ok = m.identityForTextPath(filepath.Join(m.baseDir, textFileName))
	if !ok || identity != "/outline/" {
		t.Fatalf("expected base text file to map to the root, got %q (%v)", identity, ok)
	}
	if _, ok := m.identityForTextPath(filepath.Join(string(filepath.Separator), "elsewhere", textFileName)); ok {
		t.Fatalf("expected paths outside the base directory to be rejected")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readText(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s failed: %v", path, err)
	}
	return string(data)
}

func TestMirrorSyncsBothDirections(t *testing.T) {
	store, err := outline.NewStore(outline.StoreOptions{RootText: "root"})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewServer(store))
	defer srv.Close()

	child, err := store.Create(outline.RootIdentity, "hello")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dir := t.TempDir()
	m, err := New(Options{BaseDir: dir})
	if err != nil {
		t.Fatalf("new mirror failed: %v", err)
	}
	defer m.Close()

	client := treesync.NewHTTPClient(srv.URL, nil)
	tree, err := treesync.NewTree(client, treesync.TreeOptions{
		Quiescence:   30 * time.Millisecond,
		PollInterval: time.Hour,
		Surface:      m,
	})
	if err != nil {
		t.Fatalf("new tree failed: %v", err)
	}
	m.Bind(tree)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tree.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	rootFile := filepath.Join(dir, textFileName)
	childFile := filepath.Join(dir, "0", textFileName)
	if got := readText(t, rootFile); got != "root\n" {
		t.Fatalf("expected projected root text, got %q", got)
	}
	if got := readText(t, childFile); got != "hello\n" {
		t.Fatalf("expected projected child text, got %q", got)
	}

	go m.Run(ctx)

	// Local file edit debounces into a remote update.
	if err := os.WriteFile(childFile, []byte("hello edited\n"), 0o644); err != nil {
		t.Fatalf("write local edit failed: %v", err)
	}
	waitFor(t, "local edit to reach the store", func() bool {
		item, err := store.Get(child.Identity)
		return err == nil && item.Text == "hello edited"
	})

	// Remote update lands in the file on the next poll.
	if _, err := store.Update(child.Identity, "remote change"); err != nil {
		t.Fatalf("remote update failed: %v", err)
	}
	if err := tree.PollNow(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if got := readText(t, childFile); got != "remote change\n" {
		t.Fatalf("expected remote change projected, got %q", got)
	}

	// Remote delete removes the projected directory.
	if err := store.Delete(child.Identity); err != nil {
		t.Fatalf("remote delete failed: %v", err)
	}
	if err := tree.PollNow(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "0")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected deleted subtree removed from disk, got %v", err)
	}
}
