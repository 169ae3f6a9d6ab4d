package outline

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	store, err := NewStore(opts)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return store
}

func TestCreateAssignsPathShapedIdentities(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	first, err := store.Create(RootIdentity, "a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := store.Create(RootIdentity, "b")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if first.Identity != "/outline/0/" || second.Identity != "/outline/1/" {
		t.Fatalf("unexpected identities %q, %q", first.Identity, second.Identity)
	}

	nested, err := store.Create(first.Identity, "a1")
	if err != nil {
		t.Fatalf("nested create failed: %v", err)
	}
	if nested.Identity != "/outline/0/0/" {
		t.Fatalf("expected nested identity to extend the parent, got %q", nested.Identity)
	}

	root, err := store.Get(RootIdentity)
	if err != nil {
		t.Fatalf("get root failed: %v", err)
	}
	if len(root.Children) != 2 || root.Children[0] != first.Identity || root.Children[1] != second.Identity {
		t.Fatalf("expected ordered children, got %v", root.Children)
	}
}

func TestIdentitiesStayUniqueAfterDelete(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	if _, err := store.Create(RootIdentity, "a"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := store.Create(RootIdentity, "b")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Delete(second.Identity); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	third, err := store.Create(RootIdentity, "c")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if third.Identity == second.Identity {
		t.Fatalf("expected a fresh identity after delete, got reused %q", third.Identity)
	}
}

func TestDeleteRootRefused(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	if err := store.Delete(RootIdentity); !errors.Is(err, ErrRootDelete) {
		t.Fatalf("expected ErrRootDelete, got %v", err)
	}
}

func TestDeleteRemovesSubtreeAndMarksParentOnly(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	child, err := store.Create(RootIdentity, "a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	grandchild, err := store.Create(child.Identity, "a1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	before := time.Now()
	time.Sleep(time.Millisecond)

	if err := store.Delete(child.Identity); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(child.Identity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted item to be gone, got %v", err)
	}
	if _, err := store.Get(grandchild.Identity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected subtree to be gone, got %v", err)
	}

	updated := store.UpdatedSince(before)
	if len(updated) != 1 || updated[0] != RootIdentity {
		t.Fatalf("expected only the parent marked updated, got %v", updated)
	}
}

func TestUpdatedSinceFiltersByTimestamp(t *testing.T) {
	clock := time.Unix(1000, 0)
	store := newTestStore(t, StoreOptions{Now: func() time.Time { return clock }})

	clock = time.Unix(1010, 0)
	item, err := store.Create(RootIdentity, "a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated := store.UpdatedSince(time.Unix(1005, 0))
	if len(updated) != 2 {
		t.Fatalf("expected parent and child reported, got %v", updated)
	}
	if updated[0] != RootIdentity || updated[1] != item.Identity {
		t.Fatalf("expected sorted identities, got %v", updated)
	}
	if got := store.UpdatedSince(time.Unix(1010, 0)); len(got) != 0 {
		t.Fatalf("expected strictly-after filtering, got %v", got)
	}
}

func TestUpdateRecordsExpireAfterRetention(t *testing.T) {
	clock := time.Unix(1000, 0)
	store := newTestStore(t, StoreOptions{Now: func() time.Time { return clock }})
	if _, err := store.Create(RootIdentity, "a"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	store.UpdatedSince(time.Time{})
	if got := store.UpdatedSince(time.Time{}); len(got) != 0 {
		t.Fatalf("expected stale update records to be dropped, got %v", got)
	}
}

func TestSubscribeReceivesChangeEvents(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	events, cancel := store.Subscribe()
	defer cancel()

	item, err := store.Create(RootIdentity, "a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	select {
	case event := <-events:
		if !strings.HasPrefix(event.EventID, "evt_") {
			t.Fatalf("expected ULID event id, got %q", event.EventID)
		}
		found := false
		for _, identity := range event.Updated {
			if identity == item.Identity {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected event to carry %s, got %v", item.Identity, event.Updated)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change event")
	}

	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("expected channel closed after cancel")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := newTestStore(t, StoreOptions{StateBackend: backend, RootText: "persisted root"})
	child, err := store.Create(RootIdentity, "a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Delete(child.Identity); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Create(RootIdentity, "b"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	restored := newTestStore(t, StoreOptions{StateBackend: backend})
	root, err := restored.Get(RootIdentity)
	if err != nil {
		t.Fatalf("get root after restore failed: %v", err)
	}
	if root.Text != "persisted root" {
		t.Fatalf("expected root text restored, got %q", root.Text)
	}
	if len(root.Children) != 1 || root.Children[0] != "/outline/1/" {
		t.Fatalf("expected surviving child restored, got %v", root.Children)
	}

	// The child counter must survive too, or identities repeat.
	next, err := restored.Create(RootIdentity, "c")
	if err != nil {
		t.Fatalf("create after restore failed: %v", err)
	}
	if next.Identity != "/outline/2/" {
		t.Fatalf("expected counter restored, got %q", next.Identity)
	}
}
