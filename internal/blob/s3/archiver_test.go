package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	multi   int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multi++
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.objects, path)
	m.mu.Unlock()
	return nil
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLeaseHeld
}

func seededRepo(t *testing.T) *persist.Repository {
	t.Helper()
	repo := persist.NewRepository(persist.NewMemoryKV(), persist.Options{}, discardLogger())
	repo.SaveVault(domain.Vault{
		ID:        "a",
		Owner:     domain.Owner{IdentityKey: "key-a"},
		Status:    domain.VaultActive,
		Spendable: micro.New(1_000_000),
		Locks:     []domain.VaultLock{},
	})
	repo.SaveApplied("m1|YES|150")
	require.Zero(t, repo.Flush(context.Background()))
	return repo
}

func TestArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	src := seededRepo(t)
	audit := &recAudit{}

	a := NewArchiver(src, blobs, audit, ArchiverConfig{Prefix: "snapshots/test/"}, discardLogger())
	path, n, err := a.Archive(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/test/pulse-00000000000000000042.jsonl", path)
	assert.Equal(t, 4, n, "two records and two indexes")

	dst := persist.NewRepository(persist.NewMemoryKV(), persist.Options{}, discardLogger())
	b := NewArchiver(dst, blobs, nil, ArchiverConfig{Prefix: "snapshots/test"}, discardLogger())
	restored, err := b.RestoreIfEmpty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, restored)

	snap, err := dst.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Vaults, 1)
	assert.Equal(t, micro.New(1_000_000), snap.Vaults[0].Spendable)
	assert.Equal(t, []string{"m1|YES|150"}, snap.Applied)

	again, err := b.RestoreIfEmpty(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "non-empty stores are left alone")
	assert.Equal(t, []string{"snapshot_archived"}, audit.events)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	dst := persist.NewRepository(persist.NewMemoryKV(), persist.Options{}, discardLogger())
	a := NewArchiver(dst, newMemBlobs(), nil, ArchiverConfig{}, discardLogger())

	_, err := a.RestoreLatest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	n, err := a.RestoreIfEmpty(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	dst := persist.NewRepository(persist.NewMemoryKV(), persist.Options{}, discardLogger())
	a := NewArchiver(dst, blobs, nil, ArchiverConfig{}, discardLogger())
	require.NoError(t, blobs.Put(ctx, a.SnapshotPath(1), strings.NewReader("{\"key\":\"x\",\"value\":\"y\"}\nnot json\n"), ""))

	_, err := a.RestoreLatest(ctx)
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)
	empty, err := dst.Empty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestArchivePrunesAndPicksLatest(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(seededRepo(t), blobs, nil, ArchiverConfig{Keep: 2}, discardLogger())

	for _, p := range []domain.Pulse{5, 100, 20} {
		_, _, err := a.Archive(ctx, p)
		require.NoError(t, err)
	}
	paths, err := a.snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.SnapshotPath(20), a.SnapshotPath(100)}, paths)
}

func TestArchiveLeaseHeld(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(seededRepo(t), blobs, nil, ArchiverConfig{Lease: heldLease{}}, discardLogger())
	_, _, err := a.Archive(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)
	assert.Empty(t, blobs.objects)
}

func TestRunArchivesEveryInterval(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(seededRepo(t), blobs, nil, ArchiverConfig{}, discardLogger())

	pulses := make(chan domain.Pulse, 8)
	for _, p := range []domain.Pulse{10, 11, 19, 20, 25, 30} {
		pulses <- p
	}
	close(pulses)
	a.Run(context.Background(), pulses, 10)

	paths, err := a.snapshots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{a.SnapshotPath(10), a.SnapshotPath(20), a.SnapshotPath(30)}, paths)
}

type recAudit struct {
	events []string
}

func (r *recAudit) Log(_ context.Context, event string, _ map[string]any) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveSkipsStoredPulse(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(seededRepo(t), blobs, nil, ArchiverConfig{}, discardLogger())
	require.NoError(t, blobs.Put(ctx, a.SnapshotPath(7), strings.NewReader("kept\n"), ""))

	_, n, err := a.Archive(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Zero(t, n)
	assert.Equal(t, []byte("kept\n"), blobs.objects[a.SnapshotPath(7)])

	pulses := make(chan domain.Pulse, 2)
	pulses <- 7
	pulses <- 12
	close(pulses)
	a.Run(ctx, pulses, 10)
	paths, err := a.snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.SnapshotPath(7)}, paths, "a stored pulse counts as archived")
}
