// Package protocol defines the abstract backup wire contract: the four
// remote calls a server backup driver makes against a client backup
// agent. The contract is transport-agnostic; internal/protocol/local
// implements it as direct in-process calls, internal/protocol/connectrpc
// implements it over a real network transport.
package protocol

import (
	"context"
	"io"

	"woodstock/internal/manifest"
)

// PrepareResult is the response to PrepareBackup.
type PrepareResult struct {
	NeedRefreshCache bool
}

// ChunkRequest identifies the byte range of a file's chunk the server
// wants delivered, and the digest it expects that range to hash to.
type ChunkRequest struct {
	Filename string
	Position int64
	Size     int64
	SHA256   []byte // SHA3-256 digest, named for wire compatibility with the original protocol
}

// Agent is the client-side backup agent, as called by a server backup
// driver. Every method may block on network or disk I/O and must honor
// ctx cancellation.
type Agent interface {
	// PrepareBackup tells the client which backup generation is about
	// to run. needRefreshCache is true when the client's locally
	// stored last backup number doesn't match lastBackupID, and always
	// when lastBackupID is negative.
	PrepareBackup(ctx context.Context, cfg manifest.BackupConfiguration, lastBackupID, newBackupID int32) (PrepareResult, error)

	// RefreshCache streams the server's copy of the previous manifest
	// back to the client, which rebuilds its local cache from it. It
	// reads manifests until the channel is closed, ctx is cancelled, or
	// it fails.
	RefreshCache(ctx context.Context, manifests <-chan manifest.FileManifest) error

	// LaunchBackup starts backupNumber and returns a channel of
	// journal entries terminated by an OpClose entry. The channel is
	// closed after CLOSE or after ctx is cancelled.
	LaunchBackup(ctx context.Context, backupNumber int32) (<-chan manifest.JournalEntry, error)

	// GetChunk fetches up to req.Size bytes of req.Filename starting
	// at req.Position. The caller verifies the delivered bytes hash to
	// req.SHA256 once the returned reader is exhausted.
	GetChunk(ctx context.Context, req ChunkRequest) (io.ReadCloser, error)
}
