// Package mirror projects a synced outline onto the local filesystem:
// every item becomes a directory named by its position in the identity
// path, with the item text in a plain file inside it. Edits to those
// files flow back into the tree, remote changes flow back into the files.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/outlinehq/outlinesync/internal/treesync"
)

// textFileName holds an item's text inside its directory.
const textFileName = "text"

type Options struct {
	// BaseDir is the directory mirroring the outline root. It is created
	// if missing.
	BaseDir string
	Logger  treesync.Logger
	// RootIdentity must match the tree's. Defaults to the tree default.
	RootIdentity string
}

// Mirror implements treesync.Surface on one side and consumes fsnotify
// events on the other. Surface callbacks run under the tree's lock, so
// they only touch the filesystem; the watch loop is the only place that
// calls back into the tree.
type Mirror struct {
	baseDir      string
	rootIdentity string
	logger       treesync.Logger
	watcher      *fsnotify.Watcher
	tree         *treesync.Tree
}

func New(opts Options) (*Mirror, error) {
	baseDir := strings.TrimSpace(opts.BaseDir)
	if baseDir == "" {
		return nil, fmt.Errorf("mirror: base directory is required")
	}
	rootIdentity := opts.RootIdentity
	if rootIdentity == "" {
		rootIdentity = treesync.DefaultRootIdentity
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mirror: create base directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mirror: start watcher: %w", err)
	}
	if err := watcher.Add(baseDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("mirror: watch base directory: %w", err)
	}
	return &Mirror{
		baseDir:      baseDir,
		rootIdentity: rootIdentity,
		logger:       opts.Logger,
		watcher:      watcher,
	}, nil
}

// Bind attaches the tree the watch loop feeds edits into. Call it after
// constructing the tree with this mirror as its surface, before Run.
func (m *Mirror) Bind(tree *treesync.Tree) {
	m.tree = tree
}

func (m *Mirror) Close() error {
	return m.watcher.Close()
}

// Run consumes filesystem events until the context ends. Writes to an
// item's text file become Edit calls on the owning node; everything else
// is ignored.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logf("mirror: watcher: %v", err)
		}
	}
}

func (m *Mirror) handleEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	if filepath.Base(ev.Name) != textFileName {
		return
	}
	if m.tree == nil {
		return
	}
	identity, ok := m.identityForTextPath(ev.Name)
	if !ok {
		return
	}
	node := m.tree.Resolve(identity)
	if node == nil {
		return
	}
	data, err := os.ReadFile(ev.Name)
	if err != nil {
		return
	}
	text := strings.TrimSuffix(string(data), "\n")
	// Our own projection writes come back as events; dropping no-op edits
	// breaks the loop.
	if text == node.Text() {
		return
	}
	node.Edit(text)
}

// NodeAttached materializes the child's directory and starts watching it.
// The text file appears once the child's first load reports its text.
func (m *Mirror) NodeAttached(parent, child *treesync.Node, position int) {
	dir := m.pathForIdentity(child.Identity())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logf("mirror: create %s: %v", dir, err)
		return
	}
	if err := m.watcher.Add(dir); err != nil {
		m.logf("mirror: watch %s: %v", dir, err)
	}
}

// NodeDetached removes the node's directory and everything beneath it.
// The base directory itself is never removed.
func (m *Mirror) NodeDetached(node *treesync.Node) {
	dir := m.pathForIdentity(node.Identity())
	if dir == m.baseDir {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logf("mirror: remove %s: %v", dir, err)
	}
}

// NodeTextChanged projects the new text into the item's file. Writing
// only when the content differs keeps the projection from echoing.
func (m *Mirror) NodeTextChanged(node *treesync.Node, text string) {
	path := filepath.Join(m.pathForIdentity(node.Identity()), textFileName)
	payload := []byte(text + "\n")
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, payload) {
		return
	}
	if err := writeFileAtomic(path, payload); err != nil {
		m.logf("mirror: write %s: %v", path, err)
	}
}

// pathForIdentity maps "/outline/3/1/" under root "/outline/" to
// <base>/3/1.
func (m *Mirror) pathForIdentity(identity string) string {
	rel := strings.TrimPrefix(identity, m.rootIdentity)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return m.baseDir
	}
	return filepath.Join(m.baseDir, filepath.FromSlash(rel))
}

// identityForTextPath inverts the mapping for a text file's path.
func (m *Mirror) identityForTextPath(path string) (string, bool) {
	dir := filepath.Dir(path)
	rel, err := filepath.Rel(m.baseDir, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if rel == "." {
		return m.rootIdentity, true
	}
	return m.rootIdentity + filepath.ToSlash(rel) + "/", true
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
