// Package bundle persists captured org snapshots: the bundle document, the
// inventory document, run reports and binary assets. Stores are create-only,
// a snapshot is never rewritten once captured.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExists is returned when a key is written twice.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned for a missing key.
	ErrNotFound = errors.New("not found")
)

// Store is a flat create-only key/value blob store. Keys use "/" as
// separator.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// IntegrityError reports a missing or unreadable part of a snapshot.
type IntegrityError struct {
	Key string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("bundle integrity: %s: %v", e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Config selects and configures a Store driver.
type Config struct {
	Driver    string `yaml:"driver"` // "fs" (default) or "s3"
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// Open creates the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "fs", "filesystem":
		return NewFSStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func validKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("empty key")
	case strings.Contains(key, ".."):
		return fmt.Errorf("invalid key %q contains '..'", key)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("invalid absolute key %q", key)
	}
	return nil
}
