package connectrpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/net/http2"

	"woodstock/internal/manifest"
	"woodstock/internal/protocol"
)

// fakeAgent is a minimal in-memory protocol.Agent used to exercise the
// wire transport end to end.
type fakeAgent struct {
	needRefresh    bool
	receivedCache  []manifest.FileManifest
	journal        []manifest.JournalEntry
	chunkContents  map[string][]byte
	refreshCacheFn func(ctx context.Context, manifests <-chan manifest.FileManifest) error
}

func (a *fakeAgent) PrepareBackup(ctx context.Context, cfg manifest.BackupConfiguration, lastBackupID, newBackupID int32) (protocol.PrepareResult, error) {
	return protocol.PrepareResult{NeedRefreshCache: a.needRefresh}, nil
}

func (a *fakeAgent) RefreshCache(ctx context.Context, manifests <-chan manifest.FileManifest) error {
	if a.refreshCacheFn != nil {
		return a.refreshCacheFn(ctx, manifests)
	}
	for fm := range manifests {
		a.receivedCache = append(a.receivedCache, fm)
	}
	return nil
}

func (a *fakeAgent) LaunchBackup(ctx context.Context, backupNumber int32) (<-chan manifest.JournalEntry, error) {
	out := make(chan manifest.JournalEntry)
	go func() {
		defer close(out)
		for _, e := range a.journal {
			out <- e
		}
	}()
	return out, nil
}

func (a *fakeAgent) GetChunk(ctx context.Context, req protocol.ChunkRequest) (io.ReadCloser, error) {
	data, ok := a.chunkContents[req.Filename]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func startServer(t *testing.T, agent protocol.Agent) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(agent))
	t.Cleanup(srv.Close)

	httpClient := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		},
	}
	return srv, httpClient
}

func TestPrepareBackupRoundTrip(t *testing.T) {
	agent := &fakeAgent{needRefresh: true}
	srv, httpClient := startServer(t, agent)

	c := Dial(httpClient, srv.URL)
	result, err := c.PrepareBackup(context.Background(), manifest.BackupConfiguration{}, -1, 0)
	if err != nil {
		t.Fatalf("prepareBackup: %v", err)
	}
	if !result.NeedRefreshCache {
		t.Error("expected needRefreshCache true")
	}
}

func TestLaunchBackupStreamsJournal(t *testing.T) {
	agent := &fakeAgent{journal: []manifest.JournalEntry{
		{Op: manifest.OpAdd, Manifest: &manifest.FileManifest{Path: "/a"}},
		{Op: manifest.OpClose},
	}}
	srv, httpClient := startServer(t, agent)

	c := Dial(httpClient, srv.URL)
	entries, err := c.LaunchBackup(context.Background(), 1)
	if err != nil {
		t.Fatalf("launchBackup: %v", err)
	}
	var got []manifest.JournalEntry
	for e := range entries {
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Manifest == nil || got[0].Manifest.Path != "/a" {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[1].Op != manifest.OpClose {
		t.Errorf("expected CLOSE terminator, got %v", got[1].Op)
	}
}

func TestGetChunkStreamsBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), chunkFrameSize+100)
	agent := &fakeAgent{chunkContents: map[string][]byte{"big.bin": payload}}
	srv, httpClient := startServer(t, agent)

	c := Dial(httpClient, srv.URL)
	r, err := c.GetChunk(context.Background(), protocol.ChunkRequest{Filename: "big.bin", Size: int64(len(payload))})
	if err != nil {
		t.Fatalf("getChunk: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-tripped bytes mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestRefreshCacheStreamsManifests(t *testing.T) {
	agent := &fakeAgent{}
	srv, httpClient := startServer(t, agent)

	c := Dial(httpClient, srv.URL)
	ch := make(chan manifest.FileManifest, 2)
	ch <- manifest.FileManifest{Path: "/a"}
	ch <- manifest.FileManifest{Path: "/b"}
	close(ch)

	if err := c.RefreshCache(context.Background(), ch); err != nil {
		t.Fatalf("refreshCache: %v", err)
	}
	if len(agent.receivedCache) != 2 {
		t.Fatalf("expected 2 received manifests, got %d", len(agent.receivedCache))
	}
}
