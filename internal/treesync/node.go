package treesync

import (
	"context"
	"slices"
	"time"
)

// placeholderText seeds newly created children until the user types.
const placeholderText = "new item"

// Node is one materialized outline item. It owns its remote identity, the
// live local text, the last text the server acknowledged persisting, the
// authoritative child-identity list, and the subset of children
// materialized locally.
//
// All mutable fields are guarded by the owning Tree's mutex; network
// requests always run outside it with values captured under it.
type Node struct {
	tree     *Tree
	identity string

	text      string
	lastAcked string
	childIDs  []string
	children  []*Node

	// pushTimer is the owned debounce handle. Each Edit stops and
	// replaces it, so only the last edit in a quiescence window flushes.
	pushTimer *time.Timer
	detached  bool
}

func newNode(t *Tree, identity string) *Node {
	return &Node{tree: t, identity: identity}
}

// Identity never changes after creation.
func (n *Node) Identity() string {
	return n.identity
}

func (n *Node) Text() string {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return n.text
}

func (n *Node) LastAcknowledged() string {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return n.lastAcked
}

func (n *Node) ChildIdentities() []string {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return append([]string(nil), n.childIDs...)
}

func (n *Node) Children() []*Node {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return append([]*Node(nil), n.children...)
}

// Load fetches the authoritative snapshot for this node and overwrites
// text, acknowledgment state, and the child-identity list. Failures
// propagate to the caller; nothing is retried here.
func (n *Node) Load(ctx context.Context) error {
	snap, err := n.tree.fetchDeduped(ctx, n.identity)
	if err != nil {
		return err
	}
	t := n.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.detached {
		return nil
	}
	n.text = snap.Text
	n.lastAcked = snap.Text
	n.childIDs = append([]string(nil), snap.Children...)
	t.surface.NodeTextChanged(n, snap.Text)
	return nil
}

// Edit records new local text immediately and schedules a debounced push.
// Any push scheduled within the quiescence window is superseded by the
// latest edit, so at most one request per window leaves this node.
func (n *Node) Edit(text string) {
	t := n.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.detached {
		return
	}
	n.text = text
	if n.pushTimer != nil {
		n.pushTimer.Stop()
	}
	n.pushTimer = time.AfterFunc(t.quiescence, n.flushEdit)
}

func (n *Node) flushEdit() {
	if err := n.Push(context.Background()); err != nil {
		n.tree.logf("treesync: push %s: %v", n.identity, err)
	}
}

// Push sends the current local text to the remote. It is a no-op when the
// text is already acknowledged. On success the acknowledgment advances to
// exactly the text that was sent; text typed during the request stays
// pending and flushes on the next quiescence.
func (n *Node) Push(ctx context.Context) error {
	t := n.tree
	t.mu.Lock()
	if n.detached {
		t.mu.Unlock()
		return nil
	}
	pending := n.text
	if pending == n.lastAcked {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.client.UpdateText(ctx, n.identity, pending); err != nil {
		return err
	}

	t.mu.Lock()
	if !n.detached {
		n.lastAcked = pending
	}
	t.mu.Unlock()
	return nil
}

// AddChild asks the remote to create a new child under this node, then
// reloads this node to learn the child's identity and ordering, and
// reconciles children so the new child is materialized.
func (n *Node) AddChild(ctx context.Context) error {
	if _, err := n.tree.client.CreateChild(ctx, n.identity, placeholderText); err != nil {
		return err
	}
	if err := n.Load(ctx); err != nil {
		return err
	}
	return n.ReconcileChildren(ctx)
}

// Delete removes this item remotely and detaches the local subtree. The
// root refuses deletion with ErrRootDelete before any request is issued.
// A remote "already absent" answer counts as success.
func (n *Node) Delete(ctx context.Context) error {
	t := n.tree
	if n.identity == t.rootIdentity {
		return ErrRootDelete
	}
	if err := t.client.DeleteItem(ctx, n.identity); err != nil {
		return err
	}
	t.mu.Lock()
	t.detachFromParentLocked(n)
	t.mu.Unlock()
	return nil
}

// ReconcileChildren diffs the materialized child set against the
// authoritative child-identity list. Missing children are created at the
// position the remote lists them and loaded recursively; children the
// remote no longer lists are detached with their whole subtree. Calling it
// again without a remote change is a no-op.
func (n *Node) ReconcileChildren(ctx context.Context) error {
	t := n.tree
	t.mu.Lock()
	if n.detached {
		t.mu.Unlock()
		return nil
	}

	existing := make(map[string]*Node, len(n.children))
	for _, child := range n.children {
		existing[child.identity] = child
	}

	next := make([]*Node, 0, len(n.childIDs))
	var added []*Node
	seen := make(map[string]struct{}, len(n.childIDs))
	for _, id := range n.childIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if child, ok := existing[id]; ok {
			next = append(next, child)
			continue
		}
		child := newNode(t, id)
		next = append(next, child)
		added = append(added, child)
	}

	var removed []*Node
	for _, child := range n.children {
		if _, kept := seen[child.identity]; !kept {
			removed = append(removed, child)
		}
	}

	n.children = next
	for _, child := range added {
		t.index[child.identity] = child
	}
	for position, child := range next {
		if containsNode(added, child) {
			t.surface.NodeAttached(n, child, position)
		}
	}
	for _, child := range removed {
		t.dropSubtreeLocked(child)
	}
	t.mu.Unlock()

	for _, child := range added {
		if err := t.bootstrapNode(ctx, child); err != nil {
			t.logf("treesync: load new child %s: %v", child.identity, err)
		}
	}
	return nil
}

// ApplyRemoteSnapshot folds a polled snapshot into this node. The
// child-identity list is taken unconditionally. Text is taken only when
// the node is not mid-edit (live text equals the last acknowledged text);
// otherwise the remote text is dropped and the user's own push reconciles
// later. Reports whether the child set changed so the coordinator can
// reconcile.
func (n *Node) ApplyRemoteSnapshot(snap ItemSnapshot) bool {
	t := n.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.detached {
		return false
	}
	childSetChanged := !slices.Equal(n.childIDs, snap.Children)
	n.childIDs = append([]string(nil), snap.Children...)

	if n.text == n.lastAcked && n.text != snap.Text {
		n.text = snap.Text
		n.lastAcked = snap.Text
		t.surface.NodeTextChanged(n, snap.Text)
	}
	return childSetChanged
}

func containsNode(nodes []*Node, target *Node) bool {
	for _, node := range nodes {
		if node == target {
			return true
		}
	}
	return false
}
