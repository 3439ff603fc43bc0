package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
)

// multipartThreshold is the snapshot size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// SnapshotSource is the persisted state the archiver copies.
type SnapshotSource interface {
	Entries(ctx context.Context) ([]persist.Entry, error)
	Restore(ctx context.Context, entries []persist.Entry) (int, error)
	Empty(ctx context.Context) (bool, error)
}

// BlobStore is the object storage the archiver needs.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
	domain.BlobDeleter
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Prefix is the object key prefix, e.g. "snapshots/pulsemarket".
	Prefix string
	// Keep is how many snapshots survive pruning. Zero keeps all.
	Keep int
	// Lease, when set, makes concurrent engines upload a given pulse once.
	Lease    domain.LeaseManager
	LeaseTTL time.Duration
}

// Archiver implements domain.SnapshotArchiver. Snapshots are JSONL files with
// one persist.Entry per line, named by zero-padded pulse so lexical order is
// pulse order.
type Archiver struct {
	source SnapshotSource
	blobs  BlobStore
	audit  domain.AuditStore
	cfg    ArchiverConfig
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(source SnapshotSource, blobs BlobStore, audit domain.AuditStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	return &Archiver{
		source: source,
		blobs:  blobs,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "snapshot_archiver")),
	}
}

// SnapshotPath returns the object key of the snapshot taken at pulse at.
func (a *Archiver) SnapshotPath(at domain.Pulse) string {
	return fmt.Sprintf("%s/pulse-%020d.jsonl", a.cfg.Prefix, uint64(at))
}

// Archive uploads every persisted entry and prunes old snapshots. It returns
// the object key and the number of entries written. Another holder of the
// lease for the same pulse yields domain.ErrLeaseHeld; a snapshot already
// stored for the pulse yields domain.ErrAlreadyExists.
func (a *Archiver) Archive(ctx context.Context, at domain.Pulse) (string, int, error) {
	path := a.SnapshotPath(at)
	if a.cfg.Lease != nil {
		release, err := a.cfg.Lease.Acquire(ctx, "archive:"+at.String(), a.cfg.LeaseTTL)
		if err != nil {
			return "", 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
		}
		defer release()
	}
	exists, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if exists {
		return path, 0, fmt.Errorf("s3blob: archive %s: %w", path, domain.ErrAlreadyExists)
	}

	entries, err := a.source.Entries(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive entries: %w", err)
	}
	buf, err := marshalJSONL(entries)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	if len(buf) > multipartThreshold {
		err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.blobs.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	a.logger.InfoContext(ctx, "snapshot archived",
		slog.String("path", path),
		slog.Int("entries", len(entries)),
		slog.Int("bytes", len(buf)),
	)
	a.auditLog(ctx, "snapshot_archived", map[string]any{"path": path, "count": len(entries), "pulse": uint64(at)})

	if err := a.prune(ctx); err != nil {
		a.logger.WarnContext(ctx, "snapshot prune failed", slog.String("error", err.Error()))
	}
	return path, len(entries), nil
}

// RestoreLatest loads the newest snapshot into the source. It returns
// domain.ErrNotFound when no snapshot exists.
func (a *Archiver) RestoreLatest(ctx context.Context) (int, error) {
	paths, err := a.snapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("s3blob: no snapshot under %s: %w", a.cfg.Prefix, domain.ErrNotFound)
	}
	latest := paths[len(paths)-1]

	body, err := a.blobs.Get(ctx, latest)
	if err != nil {
		return 0, fmt.Errorf("s3blob: restore: %w", err)
	}
	defer body.Close()

	entries, err := unmarshalEntries(body)
	if err != nil {
		return 0, fmt.Errorf("s3blob: restore %s: %w", latest, err)
	}
	n, err := a.source.Restore(ctx, entries)
	if err != nil {
		return n, fmt.Errorf("s3blob: restore %s: %w", latest, err)
	}
	a.logger.InfoContext(ctx, "snapshot restored", slog.String("path", latest), slog.Int("entries", n))
	a.auditLog(ctx, "snapshot_restored", map[string]any{"path": latest, "count": n})
	return n, nil
}

// RestoreIfEmpty restores the latest snapshot only when the source holds no
// records. A missing snapshot is not an error.
func (a *Archiver) RestoreIfEmpty(ctx context.Context) (int, error) {
	empty, err := a.source.Empty(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: check empty: %w", err)
	}
	if !empty {
		return 0, nil
	}
	n, err := a.RestoreLatest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	return n, err
}

// Run archives every `every` pulses read from pulses until the channel closes.
func (a *Archiver) Run(ctx context.Context, pulses <-chan domain.Pulse, every uint64) {
	if every == 0 {
		return
	}
	var last domain.Pulse
	for p := range pulses {
		if last != 0 && uint64(p-last) < every {
			continue
		}
		_, _, err := a.Archive(ctx, p)
		switch {
		case err == nil, errors.Is(err, domain.ErrLeaseHeld), errors.Is(err, domain.ErrAlreadyExists):
			last = p
		default:
			a.logger.WarnContext(ctx, "snapshot archive failed",
				slog.Uint64("pulse", uint64(p)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (a *Archiver) snapshots(ctx context.Context) ([]string, error) {
	infos, err := a.blobs.List(ctx, a.cfg.Prefix+"/pulse-")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			paths = append(paths, info.Path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (a *Archiver) prune(ctx context.Context) error {
	if a.cfg.Keep <= 0 {
		return nil
	}
	paths, err := a.snapshots(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for len(paths) > a.cfg.Keep {
		if err := a.blobs.Delete(ctx, paths[0]); err != nil {
			errs = append(errs, err)
		}
		paths = paths[1:]
	}
	return errors.Join(errs...)
}

func (a *Archiver) auditLog(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalEntries(r io.Reader) ([]persist.Entry, error) {
	var out []persist.Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var e persist.Entry
		if err := json.Unmarshal(b, &e); err != nil || e.Key == "" {
			return nil, fmt.Errorf("line %d: %w", line, domain.ErrDecodeFailure)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return out, nil
}

var _ domain.SnapshotArchiver = (*Archiver)(nil)
