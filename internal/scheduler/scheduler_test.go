package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"five fields", Entry{Name: "nightly", Connection: "c1", Spec: "0 2 * * *"}, false},
		{"descriptor", Entry{Name: "daily", Connection: "c1", Spec: "@daily"}, false},
		{"seconds field rejected", Entry{Name: "s", Connection: "c1", Spec: "0 0 2 * * *"}, true},
		{"garbage", Entry{Name: "g", Connection: "c1", Spec: "every night"}, true},
		{"no name", Entry{Connection: "c1", Spec: "@daily"}, true},
		{"no connection", Entry{Name: "n", Spec: "@daily"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(func(context.Context, Entry) error { return nil }, nil)
			err := s.Add(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	s := New(func(context.Context, Entry) error { return nil }, nil)
	e := Entry{Name: "nightly", Connection: "c1", Spec: "@daily"}
	if err := s.Add(e); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(e); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestEntriesAndRemove(t *testing.T) {
	s := New(func(context.Context, Entry) error { return nil }, nil)
	s.Start()
	defer s.Stop()
	if err := s.Add(Entry{Name: "nightly", Connection: "c1", Spec: "@daily", Inventory: true}); err != nil {
		t.Fatal(err)
	}
	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !entries[0].Inventory || entries[0].Connection != "c1" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[0].Next.IsZero() {
		t.Error("next run not computed")
	}
	if !s.Remove("nightly") {
		t.Error("Remove returned false")
	}
	if s.Remove("nightly") {
		t.Error("second Remove returned true")
	}
	if len(s.Entries()) != 0 {
		t.Error("entry still listed")
	}
}

func TestRunNow(t *testing.T) {
	var mu sync.Mutex
	var got []Entry
	s := New(func(ctx context.Context, e Entry) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		if e.Name == "broken" {
			return errors.New("boom")
		}
		return nil
	}, nil)
	if err := s.Add(Entry{Name: "nightly", Connection: "c1", Spec: "@daily"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Entry{Name: "broken", Connection: "c2", Spec: "@weekly"}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow("nightly"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := s.RunNow("broken"); err == nil {
		t.Error("expected trigger error")
	}
	if err := s.RunNow("absent"); err == nil {
		t.Error("expected error for unknown schedule")
	}
	if len(got) != 2 || got[0].Connection != "c1" || got[1].Connection != "c2" {
		t.Errorf("triggered %+v", got)
	}
}

func TestStopCancelsTrigger(t *testing.T) {
	s := New(func(ctx context.Context, e Entry) error { return ctx.Err() }, nil)
	if err := s.Add(Entry{Name: "nightly", Connection: "c1", Spec: "@daily"}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Stop()
	if err := s.RunNow("nightly"); !errors.Is(err, context.Canceled) {
		t.Errorf("RunNow after Stop = %v, want context.Canceled", err)
	}
}
