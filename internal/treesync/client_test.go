package treesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientGetItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/outline/0/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"/outline/0/","text":"hello","children":["/outline/0/0/"]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	snap, err := client.GetItem(context.Background(), "/outline/0/")
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if snap.Identity != "/outline/0/" || snap.Text != "hello" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Children) != 1 || snap.Children[0] != "/outline/0/0/" {
		t.Fatalf("unexpected children %v", snap.Children)
	}
}

func TestHTTPClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.GetItem(context.Background(), "/outline/9/")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Status != http.StatusNotFound {
		t.Fatalf("expected a 404 fetch error, got %v", err)
	}
}

func TestHTTPClientMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url": `))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.GetItem(context.Background(), "/outline/0/")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
}

func TestHTTPClientDeleteTreatsAbsentAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	if err := client.DeleteItem(context.Background(), "/outline/3/"); err != nil {
		t.Fatalf("expected already-absent delete to succeed, got %v", err)
	}
}

func TestHTTPClientChangesSinceParam(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/updates/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotSince = r.URL.Query().Get("since")
		w.Write([]byte(`{"updated":["/outline/0/"]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	feed, err := client.ChangesSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("changes since failed: %v", err)
	}
	if gotSince != "0" {
		t.Fatalf("expected zero time to be sent as 0, got %q", gotSince)
	}
	if len(feed.Updated) != 1 || feed.Updated[0] != "/outline/0/" {
		t.Fatalf("unexpected feed %v", feed)
	}

	if _, err := client.ChangesSince(context.Background(), time.Unix(1500, 500000000)); err != nil {
		t.Fatalf("changes since failed: %v", err)
	}
	if gotSince != "1500.500000" {
		t.Fatalf("expected fractional unix seconds, got %q", gotSince)
	}
}
