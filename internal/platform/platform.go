package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// API is the collaborator contract used by backup, restore and inventory
// runs. Every list call drains all pages.
type API interface {
	List(ctx context.Context, route schema.Route, scopeID string) ([]models.Record, error)
	Get(ctx context.Context, route schema.Route, scopeID, id string) (models.Record, error)
	Create(ctx context.Context, route schema.Route, scopeID string, payload models.Record) (models.Record, error)
	Update(ctx context.Context, route schema.Route, scopeID, id string, payload models.Record) (models.Record, error)
	Delete(ctx context.Context, route schema.Route, scopeID, id string) error

	// PutJSON replaces a sub-resource such as a WLAN portal template.
	PutJSON(ctx context.Context, path string, payload interface{}) error
	// UploadImage posts a PNG to an image endpoint.
	UploadImage(ctx context.Context, path, filename string, data []byte) error
	// Download fetches an asset URL found in a record.
	Download(ctx context.Context, url string) ([]byte, error)

	ClaimInventory(ctx context.Context, orgID string, magics []string) (*ClaimResult, error)
	UpdateInventory(ctx context.Context, orgID string, update InventoryUpdate) (*InventoryUpdateResult, error)

	Self(ctx context.Context) (*Self, error)
}

// ClaimResult is the response of an inventory claim.
type ClaimResult struct {
	Added      []string `json:"added"`
	Duplicated []string `json:"duplicated"`
	Error      []string `json:"error"`
	Reason     []string `json:"reason"`
}

// InventoryUpdate is a bulk inventory operation: "delete" (unclaim by
// serial) or "assign" (assign MACs to a site).
type InventoryUpdate struct {
	Op         string   `json:"op"`
	Serials    []string `json:"serials,omitempty"`
	MACs       []string `json:"macs,omitempty"`
	SiteID     string   `json:"site_id,omitempty"`
	NoReassign bool     `json:"no_reassign,omitempty"`
}

// InventoryUpdateResult is the response of a bulk inventory operation.
type InventoryUpdateResult struct {
	Op      string   `json:"op"`
	Success []string `json:"success"`
	Error   []string `json:"error"`
	Reason  []string `json:"reason"`
}

// DeviceID returns the id the cloud gives a device with the given MAC.
func DeviceID(mac string) string {
	return "00000000-0000-0000-1000-" + strings.ToLower(mac)
}

// Reasons maps each failed item of a bulk response to its reason.
func Reasons(failed, reasons []string) map[string]string {
	out := make(map[string]string, len(failed))
	for i, item := range failed {
		reason := "rejected by the cloud"
		if i < len(reasons) && reasons[i] != "" {
			reason = reasons[i]
		}
		out[item] = reason
	}
	return out
}

// Cloud implements API on top of a Client.
type Cloud struct {
	client *Client
}

// New creates the API for a connection.
func New(conn *models.Connection, opts Options) *Cloud {
	return &Cloud{client: NewClient(conn, opts)}
}

// Client returns the underlying HTTP client.
func (c *Cloud) Client() *Client { return c.client }

func (c *Cloud) List(ctx context.Context, route schema.Route, scopeID string) ([]models.Record, error) {
	if !route.Supports(schema.OpList) {
		return nil, fmt.Errorf("%s does not support list", route.Key)
	}
	return c.client.GetAll(ctx, route.CollectionPath(scopeID), route.Params())
}

func (c *Cloud) Get(ctx context.Context, route schema.Route, scopeID, id string) (models.Record, error) {
	if !route.Supports(schema.OpGet) {
		return nil, fmt.Errorf("%s does not support get", route.Key)
	}
	var rec models.Record
	if err := c.client.GetJSON(ctx, route.ItemPath(scopeID, id), nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Cloud) Create(ctx context.Context, route schema.Route, scopeID string, payload models.Record) (models.Record, error) {
	if !route.Supports(schema.OpCreate) {
		return nil, fmt.Errorf("%s does not support create", route.Key)
	}
	body, err := c.client.Post(ctx, route.CollectionPath(scopeID), payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body, route)
}

func (c *Cloud) Update(ctx context.Context, route schema.Route, scopeID, id string, payload models.Record) (models.Record, error) {
	if !route.Supports(schema.OpUpdate) {
		return nil, fmt.Errorf("%s does not support update", route.Key)
	}
	body, err := c.client.Put(ctx, route.ItemPath(scopeID, id), payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body, route)
}

func (c *Cloud) Delete(ctx context.Context, route schema.Route, scopeID, id string) error {
	if !route.Supports(schema.OpDelete) {
		return fmt.Errorf("%s does not support delete", route.Key)
	}
	return c.client.Delete(ctx, route.ItemPath(scopeID, id))
}

func (c *Cloud) PutJSON(ctx context.Context, path string, payload interface{}) error {
	_, err := c.client.Put(ctx, path, payload)
	return err
}

func (c *Cloud) UploadImage(ctx context.Context, path, filename string, data []byte) error {
	return c.client.Upload(ctx, path, "file", filename, data, nil)
}

func (c *Cloud) Download(ctx context.Context, url string) ([]byte, error) {
	return c.client.Download(ctx, url)
}

func (c *Cloud) ClaimInventory(ctx context.Context, orgID string, magics []string) (*ClaimResult, error) {
	body, err := c.client.Post(ctx, schema.Inventory.CollectionPath(orgID), magics)
	if err != nil {
		return nil, err
	}
	var res ClaimResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("parsing claim response: %w", err)
	}
	return &res, nil
}

func (c *Cloud) UpdateInventory(ctx context.Context, orgID string, update InventoryUpdate) (*InventoryUpdateResult, error) {
	body, err := c.client.Put(ctx, schema.Inventory.CollectionPath(orgID), update)
	if err != nil {
		return nil, err
	}
	var res InventoryUpdateResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("parsing inventory response: %w", err)
	}
	return &res, nil
}

func (c *Cloud) Self(ctx context.Context) (*Self, error) {
	body, err := c.client.Get(ctx, schema.APIPrefix+"/self", nil)
	if err != nil {
		return nil, err
	}
	return ParseSelf(body)
}

func decodeRecord(body []byte, route schema.Route) (models.Record, error) {
	if len(body) == 0 {
		return models.Record{}, nil
	}
	var rec models.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s response: %w", route.Key, err)
	}
	return rec, nil
}
