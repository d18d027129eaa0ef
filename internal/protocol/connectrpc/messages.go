package connectrpc

import "woodstock/internal/manifest"

const (
	procedurePrepareBackup = "/woodstock.protocol.v1.Agent/PrepareBackup"
	procedureRefreshCache  = "/woodstock.protocol.v1.Agent/RefreshCache"
	procedureLaunchBackup  = "/woodstock.protocol.v1.Agent/LaunchBackup"
	procedureGetChunk      = "/woodstock.protocol.v1.Agent/GetChunk"
)

// prepareBackupRequest is the wire message for PrepareBackup.
type prepareBackupRequest struct {
	Configuration manifest.BackupConfiguration `msgpack:"configuration"`
	LastBackupID  int32                        `msgpack:"last_backup_id"`
	NewBackupID   int32                        `msgpack:"new_backup_id"`
}

type prepareBackupResponse struct {
	NeedRefreshCache bool `msgpack:"need_refresh_cache"`
}

type refreshCacheResponse struct {
	OK bool `msgpack:"ok"`
}

type launchBackupRequest struct {
	BackupNumber int32 `msgpack:"backup_number"`
}

type getChunkRequest struct {
	Filename string `msgpack:"filename"`
	Position int64  `msgpack:"position"`
	Size     int64  `msgpack:"size"`
	SHA256   []byte `msgpack:"sha256"`
}

// chunkData is one frame of a getChunk byte stream. The stream's final
// frame is simply followed by stream end; there is no explicit
// end-of-chunk marker message.
type chunkData struct {
	Bytes []byte `msgpack:"bytes"`
}

const chunkFrameSize = 1 << 16
