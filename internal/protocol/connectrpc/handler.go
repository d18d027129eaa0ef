// Package connectrpc transports the backup protocol contract
// (internal/protocol) over connectrpc.com/connect, with msgpack wire
// messages in place of generated protobuf code, served over h2c (plain
// HTTP/2, no TLS).
package connectrpc

import (
	"context"
	"io"
	"net/http"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"woodstock/internal/manifest"
	"woodstock/internal/protocol"
)

// NewHandler adapts agent, the client backup agent's in-process
// implementation, into an http.Handler exposing the four RPCs. It runs
// in the client agent's process; the server backup driver is the
// Connect client (see Dial).
func NewHandler(agent protocol.Agent, opts ...connect.HandlerOption) http.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(msgpackCodec{})}, opts...)
	mux := http.NewServeMux()

	mux.Handle(connect.NewUnaryHandler(
		procedurePrepareBackup,
		func(ctx context.Context, req *connect.Request[prepareBackupRequest]) (*connect.Response[prepareBackupResponse], error) {
			result, err := agent.PrepareBackup(ctx, req.Msg.Configuration, req.Msg.LastBackupID, req.Msg.NewBackupID)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(&prepareBackupResponse{NeedRefreshCache: result.NeedRefreshCache}), nil
		},
		opts...,
	))

	mux.Handle(connect.NewClientStreamHandler(
		procedureRefreshCache,
		func(ctx context.Context, stream *connect.ClientStream[manifest.FileManifest]) (*connect.Response[refreshCacheResponse], error) {
			ch := make(chan manifest.FileManifest)
			errCh := make(chan error, 1)
			go func() {
				errCh <- agent.RefreshCache(ctx, ch)
			}()

			for stream.Receive() {
				select {
				case ch <- *stream.Msg():
				case <-ctx.Done():
					close(ch)
					return nil, connect.NewError(connect.CodeCanceled, ctx.Err())
				}
			}
			close(ch)
			if err := stream.Err(); err != nil && err != io.EOF {
				<-errCh
				return nil, connect.NewError(connect.CodeUnknown, err)
			}
			if err := <-errCh; err != nil {
				return connect.NewResponse(&refreshCacheResponse{OK: false}), connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(&refreshCacheResponse{OK: true}), nil
		},
		opts...,
	))

	mux.Handle(connect.NewServerStreamHandler(
		procedureLaunchBackup,
		func(ctx context.Context, req *connect.Request[launchBackupRequest], stream *connect.ServerStream[manifest.JournalEntry]) error {
			entries, err := agent.LaunchBackup(ctx, req.Msg.BackupNumber)
			if err != nil {
				return connect.NewError(connect.CodeInternal, err)
			}
			for entry := range entries {
				e := entry
				if err := stream.Send(&e); err != nil {
					return err
				}
			}
			return nil
		},
		opts...,
	))

	mux.Handle(connect.NewServerStreamHandler(
		procedureGetChunk,
		func(ctx context.Context, req *connect.Request[getChunkRequest], stream *connect.ServerStream[chunkData]) error {
			r, err := agent.GetChunk(ctx, protocol.ChunkRequest{
				Filename: req.Msg.Filename,
				Position: req.Msg.Position,
				Size:     req.Msg.Size,
				SHA256:   req.Msg.SHA256,
			})
			if err != nil {
				return connect.NewError(connect.CodeInternal, err)
			}
			defer r.Close()

			buf := make([]byte, chunkFrameSize)
			for {
				n, readErr := r.Read(buf)
				if n > 0 {
					frame := chunkData{Bytes: append([]byte(nil), buf[:n]...)}
					if err := stream.Send(&frame); err != nil {
						return err
					}
				}
				if readErr == io.EOF {
					return nil
				}
				if readErr != nil {
					return connect.NewError(connect.CodeUnknown, readErr)
				}
			}
		},
		opts...,
	))

	return mux
}

// NewH2CServer returns an *http.Server serving handler over plain-text
// HTTP/2 (h2c): no TLS is required between a backup server and the
// agents it schedules on a trusted network.
func NewH2CServer(addr string, handler http.Handler) *http.Server {
	h2s := &http2.Server{}
	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, h2s),
	}
}
