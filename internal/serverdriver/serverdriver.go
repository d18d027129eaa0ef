// Package serverdriver implements the server side of a single host's
// backup: it drives a client backup agent through the four remote
// calls, pulls any chunk the pool doesn't already hold, and persists
// the resulting manifest locally.
package serverdriver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"woodstock/internal/callgroup"
	"woodstock/internal/hashchunk"
	"woodstock/internal/logging"
	"woodstock/internal/manifest"
	"woodstock/internal/manifest/engine"
	"woodstock/internal/pathindex"
	"woodstock/internal/pool"
	"woodstock/internal/protocol"
	"woodstock/internal/refcount"
)

// Config configures a Driver for one host.
type Config struct {
	// Dir holds the server's local copy of this host's manifest set.
	Dir  string
	Name string

	Pool     *pool.Pool
	RefCount *refcount.Store

	Logger *slog.Logger
}

// Driver backs up one host by driving its protocol.Agent.
type Driver struct {
	cfg    Config
	engine *engine.Engine
	logger *slog.Logger

	// fetchGroup dedupes concurrent chunk fetches by claimed digest:
	// when two hosts are backed up concurrently and both reference the
	// same not-yet-pooled chunk, only one of them actually pulls and
	// stores it. fetchResults carries the resolved digest back to every
	// caller that shared the in-flight call, including duplicates that
	// never ran storeChunk themselves.
	fetchGroup   callgroup.Group[hashchunk.Digest]
	fetchResults sync.Map // hashchunk.Digest -> hashchunk.Digest
}

// New constructs a Driver, creating its local manifest directory if
// absent.
func New(cfg Config) (*Driver, error) {
	e, err := engine.New(cfg.Dir, cfg.Name, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("serverdriver: %w", err)
	}
	return &Driver{
		cfg:    cfg,
		engine: e,
		logger: logging.Default(cfg.Logger).With("component", "server-driver", "host", cfg.Name),
	}, nil
}

// BackupHost runs one complete backup generation of the host that
// agent fronts, under configuration cfg.
func (d *Driver) BackupHost(ctx context.Context, agent protocol.Agent, cfg manifest.BackupConfiguration, lastBackupID, newBackupID int32) error {
	prepared, err := agent.PrepareBackup(ctx, cfg, lastBackupID, newBackupID)
	if err != nil {
		return fmt.Errorf("serverdriver: prepareBackup: %w", err)
	}

	idx, err := d.engine.LoadIndex()
	if err != nil {
		return fmt.Errorf("serverdriver: load index: %w", err)
	}

	if prepared.NeedRefreshCache {
		if err := d.refreshClientCache(ctx, agent, idx); err != nil {
			return fmt.Errorf("serverdriver: refreshCache: %w", err)
		}
	}

	entries, err := agent.LaunchBackup(ctx, newBackupID)
	if err != nil {
		return fmt.Errorf("serverdriver: launchBackup: %w", err)
	}

	finished := false
	for entry := range entries {
		switch entry.Op {
		case manifest.OpClose:
			finished = true
		case manifest.OpRemove:
			if err := d.engine.RemovePath(entry.Path); err != nil {
				return fmt.Errorf("serverdriver: persist remove %s: %w", entry.Path, err)
			}
		case manifest.OpAdd, manifest.OpModify:
			if entry.Manifest == nil {
				return fmt.Errorf("serverdriver: %s entry missing manifest", entry.Op)
			}
			fm := *entry.Manifest
			if err := d.fetchMissingChunks(ctx, agent, &fm); err != nil {
				return fmt.Errorf("serverdriver: fetch chunks for %s: %w", fm.Path, err)
			}
			if err := d.engine.AddManifest(fm, entry.Op == manifest.OpAdd); err != nil {
				return fmt.Errorf("serverdriver: persist %s: %w", fm.Path, err)
			}
		}
	}

	if !finished {
		d.logger.Warn("journal stream ended without CLOSE; leaving manifest uncompacted for resume")
		return nil
	}

	if err := d.engine.Compact(d.incrementRefcounts); err != nil {
		return fmt.Errorf("serverdriver: compact: %w", err)
	}
	return nil
}

// refreshClientCache streams every live entry of the server's local
// manifest back to the client, in index-walk order. The walk and the
// client's consumption of it run concurrently via errgroup, which also
// gives the walk a context that's cancelled the moment RefreshCache
// fails, instead of it draining to completion against a stalled reader.
func (d *Driver) refreshClientCache(ctx context.Context, agent protocol.Agent, idx *pathindex.Index) error {
	ch := make(chan manifest.FileManifest)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agent.RefreshCache(gctx, ch)
	})
	g.Go(func() error {
		defer close(ch)
		return idx.Walk(func(entry pathindex.Entry) error {
			fm, err := d.engine.GetManifest(idx, entry.Path)
			if err != nil {
				return err
			}
			select {
			case ch <- fm:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	return g.Wait()
}

// fetchMissingChunks ensures every chunk digest fm.Chunks references is
// present in the pool, pulling any missing one from the client. A chunk
// whose fetched bytes hash to something other than the manifest's
// declared digest (source drift: the file changed between the client's
// walk and this fetch) is stored under its true digest, and fm is
// updated to match before being persisted.
func (d *Driver) fetchMissingChunks(ctx context.Context, agent protocol.Agent, fm *manifest.FileManifest) error {
	for i, claimedBytes := range fm.Chunks {
		var claimed hashchunk.Digest
		copy(claimed[:], claimedBytes)

		exists, err := d.cfg.Pool.Exists(claimed)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		waitErr := <-d.fetchGroup.DoChan(claimed, func() error {
			reader, err := agent.GetChunk(ctx, protocol.ChunkRequest{
				Filename: fm.Path,
				Position: int64(i) * hashchunk.CHUNK_SIZE,
				Size:     hashchunk.CHUNK_SIZE,
				SHA256:   claimedBytes,
			})
			if err != nil {
				return fmt.Errorf("getChunk %s[%d]: %w", fm.Path, i, err)
			}
			actual, err := d.storeChunk(reader, claimed)
			_ = reader.Close()
			if err != nil {
				return err
			}
			d.fetchResults.Store(claimed, actual)
			return nil
		})
		if waitErr != nil {
			return waitErr
		}
		actualVal, _ := d.fetchResults.Load(claimed)
		actual, _ := actualVal.(hashchunk.Digest)
		if actual != claimed {
			d.logger.Warn("chunk digest drift", "path", fm.Path, "index", i, "claimed", claimed, "actual", actual)
			fm.Chunks[i] = append([]byte(nil), actual[:]...)
		}
	}
	return nil
}

// storeChunk buffers r fully (at most one CHUNK_SIZE), determines its
// true digest independently of the pool, and commits it under that
// digest — so the pool's own strict claimed-vs-actual check in
// CheckAndClose never itself observes a mismatch; drift is resolved
// here, before the pool is ever asked to verify anything.
func (d *Driver) storeChunk(r io.Reader, claimed hashchunk.Digest) (hashchunk.Digest, error) {
	limited := io.LimitReader(r, hashchunk.CHUNK_SIZE+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return hashchunk.Digest{}, fmt.Errorf("read chunk: %w", err)
	}

	h := hashchunk.NewHash()
	h.Write(buf)
	var actual hashchunk.Digest
	copy(actual[:], h.Sum(nil))

	exists, err := d.cfg.Pool.Exists(actual)
	if err != nil {
		return hashchunk.Digest{}, err
	}
	if exists {
		return actual, nil
	}

	w, err := d.cfg.Pool.Create(actual)
	if err != nil {
		return hashchunk.Digest{}, fmt.Errorf("pool create: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		_ = w.Cancel()
		return hashchunk.Digest{}, fmt.Errorf("pool write: %w", err)
	}
	if _, err := w.CheckAndClose(); err != nil {
		return hashchunk.Digest{}, fmt.Errorf("pool check_and_close: %w", err)
	}
	return actual, nil
}

// incrementRefcounts is the Compact onEntry hook: once per surviving
// file manifest, every chunk digest it references has its refcount
// incremented exactly once. Since Compact only calls this after a
// successful compaction, increments are at-most-once per completed
// backup, per the ordering guarantee in spec.
func (d *Driver) incrementRefcounts(fm manifest.FileManifest) error {
	for _, chunkBytes := range fm.Chunks {
		var digest hashchunk.Digest
		copy(digest[:], chunkBytes)
		shardDir := d.cfg.Pool.ShardDir(digest)
		if _, err := d.cfg.RefCount.Incr(shardDir, digest); err != nil {
			return fmt.Errorf("incr refcount %s: %w", digest, err)
		}
	}
	return nil
}
