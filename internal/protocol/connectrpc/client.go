package connectrpc

import (
	"context"
	"fmt"
	"io"

	"connectrpc.com/connect"

	"woodstock/internal/manifest"
	"woodstock/internal/protocol"
)

// client implements protocol.Agent as a Connect RPC client dialed
// against a client backup agent's NewHandler.
type client struct {
	prepare *connect.Client[prepareBackupRequest, prepareBackupResponse]
	refresh *connect.Client[manifest.FileManifest, refreshCacheResponse]
	launch  *connect.Client[launchBackupRequest, manifest.JournalEntry]
	chunk   *connect.Client[getChunkRequest, chunkData]
}

// Dial returns a protocol.Agent backed by Connect RPC calls to baseURL
// (the client backup agent's address, e.g. "http://agent-host:7070").
func Dial(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) protocol.Agent {
	opts = append([]connect.ClientOption{connect.WithCodec(msgpackCodec{})}, opts...)
	return &client{
		prepare: connect.NewClient[prepareBackupRequest, prepareBackupResponse](httpClient, baseURL+procedurePrepareBackup, opts...),
		refresh: connect.NewClient[manifest.FileManifest, refreshCacheResponse](httpClient, baseURL+procedureRefreshCache, opts...),
		launch:  connect.NewClient[launchBackupRequest, manifest.JournalEntry](httpClient, baseURL+procedureLaunchBackup, opts...),
		chunk:   connect.NewClient[getChunkRequest, chunkData](httpClient, baseURL+procedureGetChunk, opts...),
	}
}

func (c *client) PrepareBackup(ctx context.Context, cfg manifest.BackupConfiguration, lastBackupID, newBackupID int32) (protocol.PrepareResult, error) {
	resp, err := c.prepare.CallUnary(ctx, connect.NewRequest(&prepareBackupRequest{
		Configuration: cfg,
		LastBackupID:  lastBackupID,
		NewBackupID:   newBackupID,
	}))
	if err != nil {
		return protocol.PrepareResult{}, fmt.Errorf("connectrpc: prepareBackup: %w", err)
	}
	return protocol.PrepareResult{NeedRefreshCache: resp.Msg.NeedRefreshCache}, nil
}

func (c *client) RefreshCache(ctx context.Context, manifests <-chan manifest.FileManifest) error {
	stream := c.refresh.CallClientStream(ctx)
	for fm := range manifests {
		f := fm
		if err := stream.Send(&f); err != nil {
			return fmt.Errorf("connectrpc: refreshCache send: %w", err)
		}
	}
	resp, err := stream.CloseAndReceive()
	if err != nil {
		return fmt.Errorf("connectrpc: refreshCache: %w", err)
	}
	if !resp.Msg.OK {
		return fmt.Errorf("connectrpc: refreshCache: client reported failure")
	}
	return nil
}

func (c *client) LaunchBackup(ctx context.Context, backupNumber int32) (<-chan manifest.JournalEntry, error) {
	stream, err := c.launch.CallServerStream(ctx, connect.NewRequest(&launchBackupRequest{BackupNumber: backupNumber}))
	if err != nil {
		return nil, fmt.Errorf("connectrpc: launchBackup: %w", err)
	}

	out := make(chan manifest.JournalEntry)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Receive() {
			out <- *stream.Msg()
		}
	}()
	return out, nil
}

func (c *client) GetChunk(ctx context.Context, req protocol.ChunkRequest) (io.ReadCloser, error) {
	stream, err := c.chunk.CallServerStream(ctx, connect.NewRequest(&getChunkRequest{
		Filename: req.Filename,
		Position: req.Position,
		Size:     req.Size,
		SHA256:   req.SHA256,
	}))
	if err != nil {
		return nil, fmt.Errorf("connectrpc: getChunk: %w", err)
	}
	return &chunkStreamReader{stream: stream}, nil
}

// chunkStreamReader adapts a Connect server-stream of chunkData frames
// to an io.ReadCloser.
type chunkStreamReader struct {
	stream *connect.ServerStreamForClient[chunkData]
	buf    []byte
}

func (r *chunkStreamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if !r.stream.Receive() {
			if err := r.stream.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.buf = r.stream.Msg().Bytes
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkStreamReader) Close() error {
	return r.stream.Close()
}
