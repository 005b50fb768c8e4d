package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/clipnote/capsync/protocol"
)

func change(table, col string, pk byte) protocol.ChangeRecord {
	return protocol.ChangeRecord{
		Table:           table,
		PrimaryKey:      []byte{pk},
		ColumnID:        col,
		Value:           []byte("v"),
		ColumnVersion:   1,
		DatabaseVersion: 1,
		SiteID:          "site-1",
		CausalLength:    1,
	}
}

func collect(ch chan []protocol.ChangeRecord) Callback {
	return func(changes []protocol.ChangeRecord) {
		ch <- changes
	}
}

func TestHub_DeliversMatchingSubset(t *testing.T) {
	hub := NewHub()
	got := make(chan []protocol.ChangeRecord, 1)

	sub, err := hub.Subscribe(collect(got), Options{Filter: Filter{Table: "captions"}})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	hub.Notify([]protocol.ChangeRecord{
		change("captions", "text", 1),
		change("layout", "box", 2),
	})

	select {
	case changes := <-got:
		if len(changes) != 1 || changes[0].Table != "captions" {
			t.Errorf("expected only the captions change, got %v", changes)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for notification")
	}
}

func TestHub_EmptySubsetSkipsCallback(t *testing.T) {
	hub := NewHub()
	got := make(chan []protocol.ChangeRecord, 1)

	sub, err := hub.Subscribe(collect(got), Options{Filter: Filter{Table: "captions"}})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	hub.Notify([]protocol.ChangeRecord{change("layout", "box", 1)})

	select {
	case <-got:
		t.Fatal("callback fired for a batch with no matching changes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_TableGlob(t *testing.T) {
	hub := NewHub()
	got := make(chan []protocol.ChangeRecord, 2)

	sub, err := hub.Subscribe(collect(got), Options{Filter: Filter{Table: "caption*"}})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	hub.Notify([]protocol.ChangeRecord{
		change("captions", "text", 1),
		change("caption_meta", "lang", 2),
		change("layout", "box", 3),
	})

	select {
	case changes := <-got:
		if len(changes) != 2 {
			t.Errorf("expected 2 glob matches, got %d", len(changes))
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for notification")
	}
}

func TestHub_PrimaryKeyAndColumnFilter(t *testing.T) {
	hub := NewHub()
	got := make(chan []protocol.ChangeRecord, 1)

	sub, err := hub.Subscribe(collect(got), Options{
		Filter: Filter{PrimaryKey: []byte{1}, ColumnID: "text"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	hub.Notify([]protocol.ChangeRecord{
		change("captions", "text", 1),
		change("captions", "text", 2),
		change("captions", "state", 1),
	})

	select {
	case changes := <-got:
		if len(changes) != 1 {
			t.Errorf("expected 1 match, got %d", len(changes))
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for notification")
	}
}

func TestHub_DebounceAccumulatesUnion(t *testing.T) {
	hub := NewHub()

	var mu sync.Mutex
	var calls [][]protocol.ChangeRecord
	done := make(chan struct{}, 1)

	sub, err := hub.Subscribe(func(changes []protocol.ChangeRecord) {
		mu.Lock()
		calls = append(calls, changes)
		mu.Unlock()
		done <- struct{}{}
	}, Options{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	hub.Notify([]protocol.ChangeRecord{change("captions", "text", 1)})
	hub.Notify([]protocol.ChangeRecord{change("captions", "state", 1)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for debounced callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("expected one coalesced invocation, got %d", len(calls))
	}
	if len(calls[0]) != 2 {
		t.Errorf("expected the union of both batches, got %d changes", len(calls[0]))
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	got := make(chan []protocol.ChangeRecord, 1)

	sub, err := hub.Subscribe(collect(got), Options{})
	if err != nil {
		t.Fatal(err)
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	hub.Notify([]protocol.ChangeRecord{change("captions", "text", 1)})

	select {
	case <-got:
		t.Fatal("unsubscribed callback still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CloseAllCancelsDebouncedDelivery(t *testing.T) {
	hub := NewHub()
	got := make(chan []protocol.ChangeRecord, 1)

	if _, err := hub.Subscribe(collect(got), Options{Debounce: 30 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	hub.Notify([]protocol.ChangeRecord{change("captions", "text", 1)})
	hub.CloseAll()

	select {
	case <-got:
		t.Fatal("callback fired after CloseAll")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_BadGlobRejected(t *testing.T) {
	hub := NewHub()
	if _, err := hub.Subscribe(func([]protocol.ChangeRecord) {}, Options{
		Filter: Filter{Table: "[unclosed"},
	}); err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}
