package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/gwasflow/internal/config"
)

// ErrNotConfigured is returned for s3:// locations when no object store is configured.
var ErrNotConfigured = errors.New("object store not configured")

// Store is the artifact access interface used by the orchestrator.
type Store interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Exists(ctx context.Context, location string) (bool, error)
	PutJSON(ctx context.Context, location string, v any) error
}

// Router sends s3:// locations to Objects and everything else to the local filesystem.
type Router struct {
	Objects Store
	Local   Store
}

// NewRouter creates a Router. objects may be nil when no object store is configured.
func NewRouter(objects Store) *Router {
	return &Router{Objects: objects, Local: LocalStore{}}
}

func (r *Router) pick(location string) (Store, error) {
	if IsObjectLocation(location) {
		if r.Objects == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotConfigured, location)
		}
		return r.Objects, nil
	}
	return r.Local, nil
}

func (r *Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	s, err := r.pick(location)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, location)
}

func (r *Router) Exists(ctx context.Context, location string) (bool, error) {
	s, err := r.pick(location)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, location)
}

func (r *Router) PutJSON(ctx context.Context, location string, v any) error {
	s, err := r.pick(location)
	if err != nil {
		return err
	}
	return s.PutJSON(ctx, location, v)
}

// LocalStore serves plain paths and file:// locations.
type LocalStore struct{}

func localPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

func (LocalStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	return os.Open(localPath(location))
}

func (LocalStore) Exists(_ context.Context, location string) (bool, error) {
	_, err := os.Stat(localPath(location))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (LocalStore) PutJSON(_ context.Context, location string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", location, err)
	}
	p := localPath(location)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}

var (
	_ Store = (*Router)(nil)
	_ Store = LocalStore{}
)

// New builds the Router used by the server and CLI from the storage configuration.
func New(cfg config.StorageConfig) (*Router, *MinioStore, error) {
	ms, err := NewMinioStore(
		WithEndpoint(cfg.Endpoint),
		WithCredentials(cfg.AccessKey, cfg.SecretKey),
		WithRegion(cfg.Region),
		WithSSL(cfg.UseSSL),
	)
	if err != nil {
		return nil, nil, err
	}
	return NewRouter(ms), ms, nil
}
