// Package outline implements the authoritative store for a collaboratively
// edited outline: a tree of text items addressed by stable URL-shaped
// identities, with a change feed that lets polling clients discover what
// moved since their last visit.
package outline

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RootIdentity is the fixed identity of the outline root. It is the only
// identity that refuses deletion.
const RootIdentity = "/outline/"

const defaultRootText = "My Outline"

// updateRetention bounds how long update records are kept for the change
// feed. Records older than this are dropped to keep the set from growing
// without bound.
const updateRetention = time.Hour

var (
	ErrNotFound     = errors.New("item not found")
	ErrRootDelete   = errors.New("cannot delete root item")
	ErrInvalidInput = errors.New("invalid input")
)

// Item is the wire representation of one outline entry.
type Item struct {
	Identity string   `json:"url"`
	Text     string   `json:"text"`
	Children []string `json:"children"`
}

// ChangeEvent is pushed to watch subscribers whenever items mutate.
type ChangeEvent struct {
	EventID string   `json:"eventId"`
	Updated []string `json:"updated"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	// StateBackend persists snapshots across restarts. Nil keeps the
	// outline memory-only.
	StateBackend StateBackend
	// RootText seeds the root item of a fresh outline.
	RootText string
	Logger   Logger
	// Now is the clock for modification stamps. Tests inject it.
	Now func() time.Time
}

type item struct {
	identity     string
	text         string
	children     []*item
	lastModified time.Time
	// childSeq keeps child identities unique across deletions.
	childSeq int
}

// Store holds the live outline tree plus the bookkeeping for the change
// feed and watch subscribers.
type Store struct {
	mu          sync.Mutex
	root        *item
	items       map[string]*item
	updated     map[string]struct{}
	backend     StateBackend
	logger      Logger
	now         func() time.Time
	entropy     *ulid.MonotonicEntropy
	subscribers map[int]chan ChangeEvent
	nextSubID   int
}

func NewStore(opts StoreOptions) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		items:       map[string]*item{},
		updated:     map[string]struct{}{},
		backend:     opts.StateBackend,
		logger:      opts.Logger,
		now:         now,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		subscribers: map[int]chan ChangeEvent{},
	}
	if s.backend != nil {
		snapshot, err := s.backend.Load()
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			if err := s.restoreLocked(snapshot); err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	rootText := opts.RootText
	if rootText == "" {
		rootText = defaultRootText
	}
	s.root = &item{identity: RootIdentity, text: rootText, lastModified: s.now()}
	s.items[RootIdentity] = s.root
	return s, nil
}

// Close releases the state backend, if it holds resources.
func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// Get returns a snapshot of one item.
func (s *Store) Get(identity string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[identity]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it.snapshot(), nil
}

// Create adds a new child under parentIdentity and returns it. The child's
// identity extends the parent's, so the identity space mirrors the tree.
func (s *Store) Create(parentIdentity, text string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.items[parentIdentity]
	if !ok {
		return Item{}, ErrNotFound
	}
	var identity string
	for {
		identity = fmt.Sprintf("%s%d/", parentIdentity, parent.childSeq)
		parent.childSeq++
		if _, taken := s.items[identity]; !taken {
			break
		}
	}
	child := &item{identity: identity, text: text, lastModified: s.now()}
	parent.children = append(parent.children, child)
	parent.lastModified = child.lastModified
	s.items[identity] = child
	s.markUpdatedLocked(identity, parentIdentity)
	s.persistLocked()
	s.notifyLocked(identity, parentIdentity)
	return child.snapshot(), nil
}

// Update replaces an item's text.
func (s *Store) Update(identity, text string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[identity]
	if !ok {
		return Item{}, ErrNotFound
	}
	it.text = text
	it.lastModified = s.now()
	s.markUpdatedLocked(identity)
	s.persistLocked()
	s.notifyLocked(identity)
	return it.snapshot(), nil
}

// Delete removes an item and its whole subtree. The root refuses deletion.
// Clients learn about the removal through the parent's changed child list.
func (s *Store) Delete(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity == RootIdentity {
		return ErrRootDelete
	}
	it, ok := s.items[identity]
	if !ok {
		return ErrNotFound
	}
	s.deleteSubtreeLocked(it)

	parentID := parentIdentity(identity)
	if parent, ok := s.items[parentID]; ok {
		for i, child := range parent.children {
			if child == it {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.lastModified = s.now()
		s.markUpdatedLocked(parentID)
	}
	s.persistLocked()
	s.notifyLocked(parentID)
	return nil
}

// UpdatedSince returns the identities of items modified strictly after the
// given timestamp. Update records persist across reads so every polling
// client sees them; records older than the retention horizon are dropped.
func (s *Store) UpdatedSince(since time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := make([]string, 0)
	for identity := range s.updated {
		it, ok := s.items[identity]
		if !ok {
			delete(s.updated, identity)
			continue
		}
		if it.lastModified.After(since) {
			updated = append(updated, identity)
		}
	}
	s.cleanupOldUpdatesLocked(s.now().Add(-updateRetention))
	sort.Strings(updated)
	return updated
}

// Subscribe registers a watch channel. Events are dropped rather than
// blocking mutations when a subscriber falls behind. The returned cancel
// function unregisters and closes the channel.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan ChangeEvent, 16)
	s.subscribers[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (s *Store) markUpdatedLocked(identities ...string) {
	for _, identity := range identities {
		s.updated[identity] = struct{}{}
	}
}

func (s *Store) cleanupOldUpdatesLocked(cutoff time.Time) {
	for identity := range s.updated {
		it, ok := s.items[identity]
		if !ok || it.lastModified.Before(cutoff) {
			delete(s.updated, identity)
		}
	}
}

func (s *Store) deleteSubtreeLocked(it *item) {
	for _, child := range it.children {
		s.deleteSubtreeLocked(child)
	}
	delete(s.items, it.identity)
	delete(s.updated, it.identity)
}

func (s *Store) notifyLocked(identities ...string) {
	if len(s.subscribers) == 0 {
		return
	}
	updated := append([]string(nil), identities...)
	sort.Strings(updated)
	event := ChangeEvent{
		EventID: "evt_" + ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String(),
		Updated: updated,
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Save(s.snapshotStateLocked()); err != nil {
		s.logf("outline: persist state: %v", err)
	}
}

func (s *Store) snapshotStateLocked() *persistedState {
	state := &persistedState{Items: make([]persistedItem, 0, len(s.items))}
	identities := make([]string, 0, len(s.items))
	for identity := range s.items {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	for _, identity := range identities {
		it := s.items[identity]
		children := make([]string, 0, len(it.children))
		for _, child := range it.children {
			children = append(children, child.identity)
		}
		state.Items = append(state.Items, persistedItem{
			Identity:     it.identity,
			Text:         it.text,
			Children:     children,
			LastModified: it.lastModified,
			ChildSeq:     it.childSeq,
		})
	}
	return state
}

func (s *Store) restoreLocked(state *persistedState) error {
	for _, pi := range state.Items {
		if strings.TrimSpace(pi.Identity) == "" {
			return fmt.Errorf("%w: persisted item without identity", ErrInvalidInput)
		}
		s.items[pi.Identity] = &item{
			identity:     pi.Identity,
			text:         pi.Text,
			lastModified: pi.LastModified,
			childSeq:     pi.ChildSeq,
		}
	}
	for _, pi := range state.Items {
		it := s.items[pi.Identity]
		for _, childID := range pi.Children {
			child, ok := s.items[childID]
			if !ok {
				return fmt.Errorf("%w: persisted child %s missing", ErrInvalidInput, childID)
			}
			it.children = append(it.children, child)
		}
	}
	root, ok := s.items[RootIdentity]
	if !ok {
		return fmt.Errorf("%w: persisted state has no root", ErrInvalidInput)
	}
	s.root = root
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func (it *item) snapshot() Item {
	children := make([]string, 0, len(it.children))
	for _, child := range it.children {
		children = append(children, child.identity)
	}
	return Item{Identity: it.identity, Text: it.text, Children: children}
}

// parentIdentity derives the parent of an identity from its path shape:
// "/outline/3/1/" -> "/outline/3/".
func parentIdentity(identity string) string {
	trimmed := strings.TrimSuffix(identity, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return RootIdentity
	}
	return trimmed[:idx+1]
}
