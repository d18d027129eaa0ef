// Package clientagent implements the client side of a host backup: the
// long-running loop that walks configured shares, diffs each file
// against the locally cached index, and streams the resulting journal
// to whichever server backup driver is currently calling it.
//
// Agent implements internal/protocol.Agent directly; a caller wires it
// to a transport via internal/protocol/local or
// internal/protocol/connectrpc.
package clientagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"woodstock/internal/clientconfig"
	"woodstock/internal/hashchunk"
	"woodstock/internal/logging"
	"woodstock/internal/manifest"
	"woodstock/internal/manifest/engine"
	"woodstock/internal/pathindex"
	"woodstock/internal/protocol"
	"woodstock/internal/walker"
)

// Task is one unit of backup work: an optional shell command run
// before walking its shares (a pre-backup hook — snapshot creation,
// for instance), and the shares themselves.
type Task struct {
	Command string
	Shares  []manifest.ShareConfig
}

// Config configures an Agent.
type Config struct {
	// HostDir holds this host's manifest set and its .lock file.
	HostDir string
	// Name identifies the manifest set (conventionally the host name).
	Name string

	// ConfigDir holds the persisted client identity (machine id, last
	// completed backup number). Zero value resolves to
	// clientconfig.Default() ($HOME/.woodstock).
	ConfigDir clientconfig.Dir

	Tasks          []Task
	FinalisedTasks []Task

	Logger *slog.Logger
}

// Agent is the client-side backup agent for one host.
type Agent struct {
	cfg       Config
	configDir clientconfig.Dir
	engine    *engine.Engine
	logger    *slog.Logger

	mu       sync.Mutex
	lockFile *os.File

	pending struct {
		configuration manifest.BackupConfiguration
		backupNumber  int32
	}

	// identity is the persisted client identity (machine id, last
	// completed backup number), loaded from internal/clientconfig on
	// New and rewritten to disk after every successful backup so the
	// cursor survives an agent restart.
	identity clientconfig.Config
}

// New constructs an Agent. The manifest engine's own directory
// (cfg.HostDir) is created if absent. The persisted client identity is
// loaded from cfg.ConfigDir (or clientconfig.Default() if unset),
// generating a fresh machine id on first run.
func New(cfg Config) (*Agent, error) {
	e, err := engine.New(cfg.HostDir, cfg.Name, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("clientagent: %w", err)
	}

	configDir := cfg.ConfigDir
	if configDir.IsZero() {
		configDir, err = clientconfig.Default()
		if err != nil {
			return nil, fmt.Errorf("clientagent: %w", err)
		}
	}
	identity, err := clientconfig.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("clientagent: load identity: %w", err)
	}

	return &Agent{
		cfg:       cfg,
		configDir: configDir,
		engine:    e,
		logger:    logging.Default(cfg.Logger).With("component", "client-agent", "host", cfg.Name),
		identity:  identity,
	}, nil
}

func (a *Agent) lockPath() string {
	return filepath.Join(a.cfg.HostDir, ".lock")
}

// acquireLock takes the host's exclusive lock, encoding this process's
// PID in it. A conflicting lock is a fatal error: no retry.
func (a *Agent) acquireLock() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockFile != nil {
		return fmt.Errorf("clientagent: lock already held by this process")
	}
	f, err := os.OpenFile(filepath.Clean(a.lockPath()), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("clientagent: open lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("clientagent: host backup already in progress: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return fmt.Errorf("clientagent: truncate lock: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d", os.Getpid())), 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("clientagent: write pid: %w", err)
	}
	a.lockFile = f
	return nil
}

// releaseLock releases the host lock. Called on every exit path of a
// backup run: success, failure, or cancellation.
func (a *Agent) releaseLock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockFile == nil {
		return
	}
	_ = syscall.Flock(int(a.lockFile.Fd()), syscall.LOCK_UN)
	_ = a.lockFile.Close()
	a.lockFile = nil
}

// PrepareBackup records the configuration and backup number the next
// LaunchBackup call should use, and reports whether the caller's
// lastBackupID diverges from what this agent last completed.
//
// A lastBackupID of -1 is the server's own "I have no record of this
// client" sentinel and always forces a refresh, independent of what
// the client has stored — this is scenario S1 in the fresh-host case,
// where both sides happen to start at -1 but must still diverge.
func (a *Agent) PrepareBackup(ctx context.Context, cfg manifest.BackupConfiguration, lastBackupID, newBackupID int32) (protocol.PrepareResult, error) {
	a.mu.Lock()
	stored := a.identity.LastBackupNumber
	a.pending.configuration = cfg
	a.pending.backupNumber = newBackupID
	a.mu.Unlock()

	needRefresh := lastBackupID < 0 || lastBackupID != stored
	return protocol.PrepareResult{NeedRefreshCache: needRefresh}, nil
}

// RefreshCache replaces the agent's local manifest cache with the
// stream the server sends: every incoming FileManifest is written to a
// fresh journal, which is then compacted into a clean base manifest.
func (a *Agent) RefreshCache(ctx context.Context, manifests <-chan manifest.FileManifest) error {
	if err := a.engine.DeleteManifest(); err != nil {
		return fmt.Errorf("clientagent: refreshCache: reset: %w", err)
	}
	for fm := range manifests {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := a.engine.AddManifest(fm, true); err != nil {
			return fmt.Errorf("clientagent: refreshCache: add: %w", err)
		}
	}
	return a.engine.Compact(nil)
}

// LaunchBackup acquires the host lock and runs the walk-and-diff loop
// in the background, streaming JournalEntry values to the returned
// channel until a CLOSE entry (always the last value sent). After CLOSE
// the agent compacts its local manifest and saves its identity; only
// then is the lock released and the channel closed. A backup that
// aborts early closes the channel without sending CLOSE.
func (a *Agent) LaunchBackup(ctx context.Context, backupNumber int32) (<-chan manifest.JournalEntry, error) {
	if err := a.acquireLock(); err != nil {
		return nil, err
	}

	out := make(chan manifest.JournalEntry)
	go func() {
		defer close(out)
		defer a.releaseLock()
		a.runBackup(ctx, backupNumber, out)
	}()
	return out, nil
}

func (a *Agent) runBackup(ctx context.Context, backupNumber int32, out chan<- manifest.JournalEntry) {
	idx, err := a.engine.LoadIndex()
	if err != nil {
		a.logger.Error("load index failed, aborting backup", "error", err)
		return
	}

	a.mu.Lock()
	cfg := a.pending.configuration
	a.mu.Unlock()

	a.runTasks(ctx, a.cfg.Tasks, cfg, idx, out)
	a.runFinalisedTasks(ctx)

	for _, path := range idx.UnmarkedPaths() {
		if err := a.engine.RemovePath(path); err != nil {
			a.logger.Error("persist remove failed", "path", path, "error", err)
			continue
		}
		select {
		case out <- manifest.JournalEntry{Op: manifest.OpRemove, Path: path}:
		case <-ctx.Done():
			return
		}
	}

	select {
	case out <- manifest.JournalEntry{Op: manifest.OpClose}:
	case <-ctx.Done():
		return
	}

	if err := a.engine.Compact(nil); err != nil {
		a.logger.Error("local compaction failed", "error", err)
		return
	}

	a.mu.Lock()
	a.identity.LastBackupNumber = backupNumber
	identity := a.identity
	a.mu.Unlock()

	if err := clientconfig.Save(a.configDir, identity); err != nil {
		a.logger.Error("persist client identity failed", "error", err)
	}
}

// runTasks runs each configured task in order. If a task's command
// fails, the loop stops (remaining tasks are skipped) but finalisation
// still proceeds — the caller always runs FinalisedTasks next.
func (a *Agent) runTasks(ctx context.Context, tasks []Task, cfg manifest.BackupConfiguration, idx *pathindex.Index, out chan<- manifest.JournalEntry) {
	_ = cfg // shares come from each Task; the server-sent configuration is not consulted
	for _, task := range tasks {
		if task.Command != "" {
			if err := runShell(ctx, task.Command); err != nil {
				a.logger.Error("task command failed, entering finalisation", "command", task.Command, "error", err)
				return
			}
		}
		for _, share := range task.Shares {
			if err := a.walkShare(ctx, share, idx, out); err != nil {
				a.logger.Error("share walk aborted", "share", share.Path, "error", err)
				return
			}
		}
	}
}

func (a *Agent) runFinalisedTasks(ctx context.Context) {
	for _, task := range a.cfg.FinalisedTasks {
		if task.Command == "" {
			continue
		}
		if err := runShell(ctx, task.Command); err != nil {
			a.logger.Error("finalised task failed (logged, not re-raised)", "command", task.Command, "error", err)
		}
	}
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	return cmd.Run()
}

func (a *Agent) walkShare(ctx context.Context, share manifest.ShareConfig, idx *pathindex.Index, out chan<- manifest.JournalEntry) error {
	cfg := walker.Config{ShareRoot: share.Path, Includes: share.Includes, Excludes: share.Excludes}
	return walker.Walk(cfg, func(r walker.Result) error {
		if r.Err != nil {
			a.logger.Warn("walk entry error", "error", r.Err)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return a.diffEntry(r.Manifest, idx, out)
	})
}

func (a *Agent) diffEntry(fm manifest.FileManifest, idx *pathindex.Index, out chan<- manifest.JournalEntry) error {
	existing, ok := idx.Get(fm.Path)
	isAdded := !ok

	unchanged := ok && engine.CompareManifest(manifestFromEntry(existing), fm)
	if unchanged {
		if err := idx.Mark(fm.Path); err != nil {
			return fmt.Errorf("clientagent: mark %s: %w", fm.Path, err)
		}
		return nil
	}

	if !fm.IsDir && !fm.IsSymlink {
		result, err := hashchunk.HashFile(fm.Path)
		if err != nil {
			a.logger.Warn("hash failed, skipping entry", "path", fm.Path, "error", err)
			return nil
		}
		fm.FileDigest = result.FileDigest[:]
		fm.Chunks = make([][]byte, len(result.Chunks))
		for i, c := range result.Chunks {
			d := c
			fm.Chunks[i] = d[:]
		}
	}

	op := manifest.OpModify
	if isAdded {
		op = manifest.OpAdd
		idx.Insert(pathindex.Entry{Path: fm.Path, Read: true, LastModified: fm.LastModified, Size: fm.Size})
	}

	if err := a.engine.AddManifest(fm, isAdded); err != nil {
		return fmt.Errorf("clientagent: persist %s: %w", fm.Path, err)
	}
	if !isAdded {
		if err := idx.Mark(fm.Path); err != nil {
			return fmt.Errorf("clientagent: mark %s: %w", fm.Path, err)
		}
	}

	// Persisted and marked locally before the send: neither transport
	// this agent supports has a rejection path, so "accepted by the
	// server" and "sent to the server" currently coincide. A transport
	// that could reject an entry would need this local commit deferred
	// until the server acknowledges it.
	out <- manifest.JournalEntry{Op: op, Manifest: &fm}
	return nil
}

func manifestFromEntry(e pathindex.Entry) manifest.FileManifest {
	return manifest.FileManifest{Path: e.Path, Size: e.Size, LastModified: e.LastModified}
}

// GetChunk serves a byte range of a local file, for the server to pull
// a chunk the pool doesn't already have. The returned reader yields at
// most req.Size bytes starting at req.Position; the caller verifies
// the digest.
func (a *Agent) GetChunk(ctx context.Context, req protocol.ChunkRequest) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Clean(req.Filename))
	if err != nil {
		return nil, fmt.Errorf("clientagent: getChunk: open %s: %w", req.Filename, err)
	}
	if _, err := f.Seek(req.Position, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("clientagent: getChunk: seek: %w", err)
	}
	return &limitedReadCloser{r: io.LimitReader(f, req.Size), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
