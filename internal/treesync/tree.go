package treesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRootIdentity is the fixed well-known identity of the outline root.
const DefaultRootIdentity = "/outline/"

const (
	defaultQuiescence   = time.Second
	defaultPollInterval = 2 * time.Second
)

// Surface receives structural and text notifications so a rendering layer
// (terminal, files, whatever) can track the tree. Callbacks run with the
// tree's internal lock held and must not call back into the tree
// synchronously.
type Surface interface {
	NodeAttached(parent, child *Node, position int)
	NodeDetached(node *Node)
	NodeTextChanged(node *Node, text string)
}

type noopSurface struct{}

func (noopSurface) NodeAttached(parent, child *Node, position int) {}
func (noopSurface) NodeDetached(node *Node)                        {}
func (noopSurface) NodeTextChanged(node *Node, text string)        {}

type TreeOptions struct {
	// RootIdentity defaults to DefaultRootIdentity.
	RootIdentity string
	// Quiescence is the edit debounce window. Defaults to one second.
	Quiescence time.Duration
	// PollInterval paces Run's change-feed polls. Defaults to two seconds.
	PollInterval time.Duration
	Surface      Surface
	Logger       Logger
	// Now is the clock used for the change-feed watermark. Tests inject it.
	Now func() time.Time
}

// Tree coordinates one outline: it owns the root node, an identity-keyed
// index for O(1) resolution, the polling loop, and the per-identity fetch
// deduplication.
type Tree struct {
	client       RemoteClient
	rootIdentity string
	quiescence   time.Duration
	pollInterval time.Duration
	surface      Surface
	logger       Logger
	now          func() time.Time

	mu    sync.Mutex
	root  *Node
	index map[string]*Node

	fetches singleflight.Group
	polling atomic.Bool
	// since is the watermark of the last successful change-feed poll.
	// Only pollOnce touches it, and polls never overlap.
	since time.Time
}

func NewTree(client RemoteClient, opts TreeOptions) (*Tree, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	rootIdentity := strings.TrimSpace(opts.RootIdentity)
	if rootIdentity == "" {
		rootIdentity = DefaultRootIdentity
	}
	quiescence := opts.Quiescence
	if quiescence <= 0 {
		quiescence = defaultQuiescence
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	surface := opts.Surface
	if surface == nil {
		surface = noopSurface{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tree{
		client:       client,
		rootIdentity: rootIdentity,
		quiescence:   quiescence,
		pollInterval: pollInterval,
		surface:      surface,
		logger:       opts.Logger,
		now:          now,
		index:        map[string]*Node{},
	}, nil
}

// Bootstrap loads the root and then the entire reachable tree depth-first.
// A root load failure is fatal for the session and returned to the caller;
// the tree stays empty.
func (t *Tree) Bootstrap(ctx context.Context) error {
	root := newNode(t, t.rootIdentity)
	t.mu.Lock()
	t.index[root.identity] = root
	t.mu.Unlock()

	if err := root.Load(ctx); err != nil {
		t.mu.Lock()
		delete(t.index, root.identity)
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
	return root.ReconcileChildren(ctx)
}

// Root returns the root node, or nil before a successful Bootstrap.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Resolve finds the node owning an identity. Unknown identities return nil
// rather than an error: updates for them are simply ignored (deleted
// locally, or not yet loaded).
func (t *Tree) Resolve(identity string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index[identity]
}

// Walk visits the materialized tree depth-first, parent before children.
// Returning false from the visitor stops the walk.
func (t *Tree) Walk(visit func(*Node) bool) {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	if root == nil {
		return
	}
	walkNodes(root, visit)
}

func walkNodes(n *Node, visit func(*Node) bool) bool {
	if !visit(n) {
		return false
	}
	for _, child := range n.Children() {
		if !walkNodes(child, visit) {
			return false
		}
	}
	return true
}

// Run polls the change feed on the configured interval until the context
// ends. Ticks are dispatched synchronously; PollNow's in-flight guard also
// covers callers triggering polls by hand.
func (t *Tree) Run(ctx context.Context) {
	timer := time.NewTimer(t.pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := t.PollNow(ctx); err != nil && err != ErrPollInFlight {
				t.logf("treesync: poll: %v", err)
			}
			timer.Reset(t.pollInterval)
		}
	}
}

// PollNow runs one poll tick: ask the remote which identities changed
// since the last watermark, then pull each one and dispatch it to the
// owning node. If a previous tick is still in flight the call returns
// ErrPollInFlight without issuing any request.
//
// The watermark advances as soon as the feed answers, before per-identity
// pulls run. An item changing concurrently with that boundary is caught by
// a later tick; staleness is bounded by the poll interval.
func (t *Tree) PollNow(ctx context.Context) error {
	if !t.polling.CompareAndSwap(false, true) {
		return ErrPollInFlight
	}
	defer t.polling.Store(false)

	polledAt := t.now()
	feed, err := t.client.ChangesSince(ctx, t.since)
	if err != nil {
		return err
	}
	t.since = polledAt

	for _, identity := range feed.Updated {
		snap, err := t.fetchDeduped(ctx, identity)
		if err != nil {
			t.logf("treesync: pull %s: %v", identity, err)
			continue
		}
		node := t.Resolve(identity)
		if node == nil {
			continue
		}
		if node.ApplyRemoteSnapshot(snap) {
			if err := node.ReconcileChildren(ctx); err != nil {
				t.logf("treesync: reconcile %s: %v", identity, err)
			}
		}
	}
	return nil
}

// fetchDeduped coalesces concurrent pulls for one identity: while a pull
// is outstanding every caller shares its pending result, so at most one
// request per identity is in flight. The entry is dropped once the fetch
// settles, success or failure.
func (t *Tree) fetchDeduped(ctx context.Context, identity string) (ItemSnapshot, error) {
	v, err, _ := t.fetches.Do(identity, func() (any, error) {
		return t.client.GetItem(ctx, identity)
	})
	if err != nil {
		return ItemSnapshot{}, err
	}
	return v.(ItemSnapshot), nil
}

// bootstrapNode fully populates a freshly discovered node: load, then
// recursive reconciliation of its subtree. Only newly appeared subtrees go
// through this; already-tracked children are left alone.
func (t *Tree) bootstrapNode(ctx context.Context, node *Node) error {
	if err := node.Load(ctx); err != nil {
		return err
	}
	return node.ReconcileChildren(ctx)
}

// dropSubtreeLocked detaches a node and everything beneath it: timers
// stopped, index entries removed, surface notified. Detaching the subtree
// root removes the subtree's tracking presence as a unit, so the surface
// sees a single detach per removed subtree root.
func (t *Tree) dropSubtreeLocked(node *Node) {
	t.unindexSubtreeLocked(node)
	t.surface.NodeDetached(node)
}

func (t *Tree) unindexSubtreeLocked(node *Node) {
	node.detached = true
	if node.pushTimer != nil {
		node.pushTimer.Stop()
		node.pushTimer = nil
	}
	if t.index[node.identity] == node {
		delete(t.index, node.identity)
	}
	for _, child := range node.children {
		t.unindexSubtreeLocked(child)
	}
}

// detachFromParentLocked removes a node from whichever parent materialized
// it and drops its subtree. Parents are implicit in tree shape, so the
// owner is found by scanning child slices.
func (t *Tree) detachFromParentLocked(node *Node) {
	for _, candidate := range t.index {
		for i, child := range candidate.children {
			if child == node {
				candidate.children = append(candidate.children[:i], candidate.children[i+1:]...)
				t.dropSubtreeLocked(node)
				return
			}
		}
	}
	// Not attached anywhere (e.g. the parent was already dropped).
	t.dropSubtreeLocked(node)
}

func (t *Tree) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
