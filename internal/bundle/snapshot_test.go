package bundle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rflorenc/org-migrator/internal/models"
)

func TestAssetKey(t *testing.T) {
	tests := []struct {
		org, site, kind, id, ext string
		want                     string
	}{
		{"o1", "", "wlan", "w1", "json", "org_conf_file_org_o1_wlan_w1.json"},
		{"o1", "s1", "wlan", "w1", "png", "org_conf_file_org_o1_site_s1_wlan_w1.png"},
		{"o1", "s1", "map", "m1", "png", "org_conf_file_org_o1_site_s1_map_m1.png"},
	}
	for _, tc := range tests {
		if got := AssetKey(tc.org, tc.site, tc.kind, tc.id, tc.ext); got != tc.want {
			t.Errorf("AssetKey = %q, want %q", got, tc.want)
		}
	}
	if got := DeviceImageKey("o1", "SN1", 2); got != "org_inventory_file_org_o1_device_SN1_image_2.png" {
		t.Errorf("DeviceImageKey = %q", got)
	}
}

func TestSnapshot_BundleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	snap := NewSnapshot(store, "o1", at)
	if snap.Dir() != "o1/20240501T100000Z" {
		t.Fatalf("Dir = %q", snap.Dir())
	}

	b := &models.Bundle{
		OrgID:       "o1",
		Org:         models.Record{"id": "o1", "name": "Lab"},
		Settings:    models.Record{},
		Collections: map[string][]models.Record{"templates": {{"id": "t1", "name": "T1"}}},
	}
	if err := snap.WriteBundle(ctx, b); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if err := snap.WriteBundle(ctx, b); !errors.Is(err, ErrExists) {
		t.Errorf("rewrite err = %v, want ErrExists", err)
	}

	got, err := OpenSnapshot(store, snap.Dir()).ReadBundle(ctx)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if got.OrgName() != "Lab" || len(got.Collections["templates"]) != 1 {
		t.Errorf("bundle = %+v", got)
	}
}

func TestSnapshot_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	if err := store.Put(ctx, "o1/20240501T100000Z/"+ConfigDocument, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	_, err := OpenSnapshot(store, "o1/20240501T100000Z").ReadBundle(ctx)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
}

func TestSnapshot_MissingAsset(t *testing.T) {
	snap := NewSnapshot(NewMemStore(), "o1", time.Now())
	_, err := snap.Asset(context.Background(), "x.png")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Errorf("err = %v, want IntegrityError", err)
	}
}

func TestSnapshot_InventoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	snap := NewSnapshot(NewMemStore(), "o1", time.Now())
	inv := &models.InventoryBundle{
		OrgID:     "o1",
		Inventory: []models.InventoryItem{{Serial: "SN1", MAC: "aabbccddeeff", Magic: "M1", Type: "ap"}},
	}
	if err := snap.WriteInventory(ctx, inv); err != nil {
		t.Fatalf("WriteInventory: %v", err)
	}
	got, err := snap.ReadInventory(ctx)
	if err != nil {
		t.Fatalf("ReadInventory: %v", err)
	}
	if got.OrgID != "o1" || len(got.Inventory) != 1 || got.Inventory[0].Magic != "M1" {
		t.Errorf("inventory = %+v", got)
	}
}

func TestListAndLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	older := NewSnapshot(store, "o1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := NewSnapshot(store, "o1", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	inv := NewSnapshot(store, "o1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	b := &models.Bundle{OrgID: "o1", Org: models.Record{"id": "o1"}}
	for _, s := range []*Snapshot{older, newer} {
		if err := s.WriteBundle(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := inv.WriteInventory(ctx, &models.InventoryBundle{OrgID: "o1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "o2/garbage", []byte("x")); err != nil {
		t.Fatal(err)
	}

	infos, err := List(ctx, store, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 || infos[0].Dir != inv.Dir() {
		t.Fatalf("infos = %+v", infos)
	}

	latest, err := Latest(ctx, store, "o1", ConfigDocument)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Dir() != newer.Dir() {
		t.Errorf("Latest = %q, want %q", latest.Dir(), newer.Dir())
	}
	if _, err := Latest(ctx, store, "o9", ConfigDocument); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest(o9) err = %v, want ErrNotFound", err)
	}
}
