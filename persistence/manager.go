package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mariusxmarius-guzi/excel-search-rag/blobstore"
	"github.com/mariusxmarius-guzi/excel-search-rag/resource"
)

// LatestKey is the name of the pointer blob holding the name of the most
// recently saved snapshot. Stores with stronger commit semantics (the
// DynamoDB commit store) intercept this name; plain stores treat it as an
// ordinary blob.
const LatestKey = "LATEST"

// snapshotPrefix namespaces snapshot blobs inside the store.
const snapshotPrefix = "snapshots/"

var (
	// ErrManagerClosed is returned when operations are attempted on a closed manager.
	ErrManagerClosed = errors.New("persistence manager is closed")

	// ErrNoSnapshot is returned by LoadLatest when no snapshot has been saved yet.
	ErrNoSnapshot = errors.New("no snapshot available")
)

// ManagerOptions configures the persistence manager.
type ManagerOptions struct {
	// Store is the blob store snapshots are written to. Required.
	Store blobstore.Store

	// Resources limits snapshot IO throughput and caps concurrent
	// save/prune jobs. Optional; nil means unlimited.
	Resources *resource.Controller

	// Clock supplies timestamps for generated snapshot names.
	// Defaults to time.Now.
	Clock func() time.Time
}

// Manager coordinates snapshot save, load, and retention against a blob
// store. Snapshots are immutable named blobs; the LATEST pointer is the
// only mutable piece of state and is advanced after a snapshot is fully
// written, so readers never observe a partial snapshot.
//
// The Manager is safe for concurrent use.
type Manager struct {
	store blobstore.Store
	rc    *resource.Controller
	clock func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a new persistence manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("persistence: store is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		store: opts.Store,
		rc:    opts.Resources,
		clock: clock,
	}, nil
}

// Save writes the snapshot under a generated timestamped name, then
// advances the LATEST pointer. It returns the snapshot name.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) (string, error) {
	name := fmt.Sprintf("%s%s.snap", snapshotPrefix, m.clock().UTC().Format("20060102T150405.000000000Z"))
	if err := m.SaveAs(ctx, name, snap); err != nil {
		return "", err
	}
	return name, nil
}

// SaveAs writes the snapshot under the given name, then advances the
// LATEST pointer to it.
func (m *Manager) SaveAs(ctx context.Context, name string, snap *Snapshot) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Saves count against the background worker budget, so a flood of
	// snapshot requests cannot crowd out foreground work.
	if err := m.rc.AcquireBackground(ctx); err != nil {
		return fmt.Errorf("persistence: acquire background slot: %w", err)
	}
	defer m.rc.ReleaseBackground()

	wb, err := m.store.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("persistence: create snapshot blob: %w", err)
	}

	if err := snap.Write(resource.NewRateLimitedWriter(ctx, wb, m.rc)); err != nil {
		_ = wb.Close()
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}

	if err := wb.Sync(); err != nil {
		_ = wb.Close()
		return fmt.Errorf("persistence: sync snapshot: %w", err)
	}
	if err := wb.Close(); err != nil {
		return fmt.Errorf("persistence: finalize snapshot: %w", err)
	}

	// The pointer is advanced only after the blob is durable.
	if err := m.store.Put(ctx, LatestKey, []byte(name)); err != nil {
		return fmt.Errorf("persistence: advance latest pointer: %w", err)
	}

	return nil
}

// Load reads the named snapshot.
func (m *Manager) Load(ctx context.Context, name string) (*Snapshot, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, err := m.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, &IOError{Op: "open", Path: name, Err: err}
		}
		return nil, fmt.Errorf("persistence: open snapshot %s: %w", name, err)
	}
	defer blob.Close()

	snap, err := Read(resource.NewRateLimitedReader(ctx, blobstore.Reader(blob), m.rc))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadLatest resolves the LATEST pointer and reads the snapshot it names.
// It returns ErrNoSnapshot if nothing has been saved.
func (m *Manager) LoadLatest(ctx context.Context) (*Snapshot, string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, "", err
	}

	data, err := blobstore.ReadAll(ctx, m.store, LatestKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", ErrNoSnapshot
		}
		return nil, "", fmt.Errorf("persistence: read latest pointer: %w", err)
	}

	name := strings.TrimSpace(string(data))
	if name == "" {
		return nil, "", corruptf(nil, "latest pointer is empty")
	}

	snap, err := m.Load(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return snap, name, nil
}

// List returns all snapshot names, oldest first. Generated names sort
// chronologically.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	names, err := m.store.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("persistence: list snapshots: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes all but the newest keep snapshots. The snapshot the
// LATEST pointer names is never deleted regardless of age.
func (m *Manager) Prune(ctx context.Context, keep int) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}

	if err := m.rc.AcquireBackground(ctx); err != nil {
		return fmt.Errorf("persistence: acquire background slot: %w", err)
	}
	defer m.rc.ReleaseBackground()

	names, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}

	var latest string
	if data, err := blobstore.ReadAll(ctx, m.store, LatestKey); err == nil {
		latest = strings.TrimSpace(string(data))
	}

	for _, name := range names[:len(names)-keep] {
		if name == latest {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("persistence: prune %s: %w", name, err)
		}
	}

	return nil
}

// Close marks the manager closed. Further operations fail with
// ErrManagerClosed. The underlying store is not closed; it may be shared.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}
