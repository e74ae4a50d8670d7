package models

import (
	"sync"
	"testing"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name   string
		conn   Connection
		expect string
	}{
		{"https default", Connection{Scheme: "https", Host: "api.mist.com", Port: 443}, "https://api.mist.com"},
		{"empty scheme", Connection{Host: "api.eu.mist.com"}, "https://api.eu.mist.com"},
		{"http custom port", Connection{Scheme: "http", Host: "localhost", Port: 32000}, "http://localhost:32000"},
		{"http default port", Connection{Scheme: "http", Host: "localhost", Port: 80}, "http://localhost"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.conn.BaseURL()
			if got != tc.expect {
				t.Errorf("BaseURL() = %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestMaskedToken(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		expect string
	}{
		{"long", "abcdef123456", "••••••••3456"},
		{"short", "abc", "••••"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Connection{Token: tc.token}
			got := c.MaskedToken()
			if got != tc.expect {
				t.Errorf("MaskedToken() = %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestRedactedLeavesOriginal(t *testing.T) {
	c := &Connection{Name: "src", Token: "abcdef123456"}
	r := c.Redacted()
	if r.Token == c.Token {
		t.Errorf("Redacted().Token = %q, should be masked", r.Token)
	}
	if c.Token != "abcdef123456" {
		t.Errorf("original token modified: %q", c.Token)
	}
}

func TestConnectionStore_CRUD(t *testing.T) {
	store := NewConnectionStore()

	// Create
	conn := &Connection{Name: "src", Role: "source", Host: "api.mist.com", OrgID: "org-1"}
	store.Create(conn)
	if conn.ID == "" {
		t.Fatal("Create did not assign an ID")
	}
	if conn.AccessStatus != "unknown" {
		t.Errorf("Create should set AccessStatus to 'unknown', got %q", conn.AccessStatus)
	}

	// Get
	got := store.Get(conn.ID)
	if got == nil || got.Name != "src" {
		t.Fatalf("Get(%s) returned %v", conn.ID, got)
	}
	if store.Get("nonexistent") != nil {
		t.Error("Get(nonexistent) should return nil")
	}
	if store.FindByName("src") != conn {
		t.Error("FindByName(src) did not return the stored connection")
	}

	// List
	if list := store.List(); len(list) != 1 {
		t.Fatalf("List() returned %d items, want 1", len(list))
	}

	// Update
	conn.Name = "updated"
	if !store.Update(conn) {
		t.Fatal("Update returned false for existing connection")
	}
	if store.Get(conn.ID).Name != "updated" {
		t.Error("Update did not persist name change")
	}
	if store.Update(&Connection{ID: "missing"}) {
		t.Error("Update should return false for missing ID")
	}

	// Delete
	if !store.Delete(conn.ID) {
		t.Fatal("Delete returned false for existing connection")
	}
	if store.Get(conn.ID) != nil {
		t.Error("Get after Delete should return nil")
	}
	if store.Delete("missing") {
		t.Error("Delete should return false for missing ID")
	}
}

func TestConnectionStore_SetAccess(t *testing.T) {
	store := NewConnectionStore()
	conn := &Connection{Name: "dst", Host: "api.mist.com"}
	store.Create(conn)

	store.SetAccess(conn.ID, "admin", "", "Lab Org")
	got := store.Get(conn.ID)
	if got.AccessStatus != "admin" || got.OrgName != "Lab Org" {
		t.Errorf("SetAccess(admin) = (%q, %q), want (admin, Lab Org)", got.AccessStatus, got.OrgName)
	}
	if got.LastChecked == nil {
		t.Error("LastChecked should be set after SetAccess")
	}

	store.SetAccess(conn.ID, "error", "HTTP 401", "")
	got = store.Get(conn.ID)
	if got.AccessStatus != "error" || got.AccessError != "HTTP 401" {
		t.Errorf("SetAccess(error) = (%q, %q), want (error, HTTP 401)", got.AccessStatus, got.AccessError)
	}
	if got.OrgName != "Lab Org" {
		t.Errorf("OrgName should be kept when empty, got %q", got.OrgName)
	}

	// SetAccess on missing ID should not panic
	store.SetAccess("nonexistent", "admin", "", "")
}

func TestConnectionStore_Concurrent(t *testing.T) {
	store := NewConnectionStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Create(&Connection{Name: "concurrent", Host: "localhost"})
		}()
	}
	wg.Wait()

	list := store.List()
	if len(list) != 50 {
		t.Fatalf("expected 50 connections, got %d", len(list))
	}

	for _, c := range list {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			store.Get(id)
		}(c.ID)
		go func(id string) {
			defer wg.Done()
			store.SetAccess(id, "admin", "", "")
		}(c.ID)
	}
	wg.Wait()
}
