// Package clientconfig manages the backup client's persisted identity:
// a single file holding the machine's generated id and the last backup
// number it completed, loaded on every agent start and regenerated
// automatically if missing or unreadable.
package clientconfig

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"woodstock/internal/format"
)

const (
	fileName       = "config"
	configVersion  = 1
	unixConfigDirName = ".woodstock"
)

// Config is the persisted client state.
type Config struct {
	MachineID        string `msgpack:"machine_id"`
	LastBackupNumber int32  `msgpack:"last_backup_number"`
}

// Dir represents the client config directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns $HOME/.woodstock.
func Default() (Dir, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Dir{}, fmt.Errorf("clientconfig: determine home directory: %w", err)
	}
	return Dir{root: filepath.Join(home, unixConfigDirName)}, nil
}

// Root returns the config directory path.
func (d Dir) Root() string {
	return d.root
}

// IsZero reports whether d is the zero value (no root configured), the
// signal callers use to fall back to Default().
func (d Dir) IsZero() bool {
	return d.root == ""
}

// Path returns the path to the config file.
func (d Dir) Path() string {
	return filepath.Join(d.root, fileName)
}

// EnsureExists creates the config directory if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("clientconfig: create dir %s: %w", d.root, err)
	}
	return nil
}

// Load reads the persisted config. A missing or malformed file is
// treated as first run: a fresh Config with a newly generated MachineID
// and LastBackupNumber -1 is returned, and nothing is written to disk
// until the caller calls Save.
func Load(dir Dir) (Config, error) {
	f, err := os.Open(filepath.Clean(dir.Path()))
	if err != nil {
		if os.IsNotExist(err) {
			return freshConfig()
		}
		return freshConfig()
	}
	defer f.Close()

	if _, err := format.DecodeAndValidate(readHeaderBytes(f), format.TypeConfig, configVersion); err != nil {
		return freshConfig()
	}

	body, err := io.ReadAll(f)
	if err != nil {
		return freshConfig()
	}
	var cfg Config
	if err := msgpack.Unmarshal(body, &cfg); err != nil {
		return freshConfig()
	}
	return cfg, nil
}

func readHeaderBytes(f *os.File) []byte {
	buf := make([]byte, format.HeaderSize)
	n, _ := io.ReadFull(f, buf)
	return buf[:n]
}

func freshConfig() (Config, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Config{}, fmt.Errorf("clientconfig: generate machine id: %w", err)
	}
	return Config{MachineID: id.String(), LastBackupNumber: -1}, nil
}

// Save persists cfg to dir, via write-to-temp-then-rename so a crash
// mid-write cannot corrupt a previously valid config.
func Save(dir Dir, cfg Config) error {
	if err := dir.EnsureExists(); err != nil {
		return err
	}
	body, err := msgpack.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("clientconfig: encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir.root, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("clientconfig: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	header := format.Header{Type: format.TypeConfig, Version: configVersion}
	headerBuf := header.Encode()
	if _, err := tmp.Write(headerBuf[:]); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("clientconfig: write header: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("clientconfig: write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("clientconfig: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("clientconfig: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dir.Path()); err != nil {
		return fmt.Errorf("clientconfig: rename: %w", err)
	}
	return nil
}
