// Package snapshot persists registry state to a single checksummed file.
//
// The file is a JSON document followed by a 4-byte CRC-32C trailer. A file
// whose trailer does not match is rejected whole. Readers and writers hold an
// exclusive lock on a sibling ".lock" file, so there is at most one writer at
// a time and a reader never sees a half-written snapshot; writes land in a
// temporary file that is renamed into place.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/integrity"
	"github.com/avaropoint/crunchy/internal/shell"
)

// Version is the current document version.
const Version = 1

// Component is a persisted component record.
type Component struct {
	Serial           uint64     `json:"serial"`
	UID              string     `json:"uid"`
	Signed           bool       `json:"signed"`
	KeySizeBits      int        `json:"key_size_bits"`
	State            string     `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	DeregisteredAt   *time.Time `json:"deregistered_at,omitempty"`
	Countersignature string     `json:"countersignature,omitempty"`
	Key              uint64     `json:"key,omitempty"`
}

// Obligation is a persisted promise obligation.
type Obligation struct {
	Serial     uint64 `json:"serial"`
	UID        string `json:"uid"`
	Strict     bool   `json:"strict"`
	Remaining  int    `json:"remaining"`
	Period     int    `json:"period"`
	Misses     int    `json:"misses"`
	PromiseKey uint32 `json:"promise_key"`
}

// Key is a persisted key-cache entry.
type Key struct {
	Key    uint64 `json:"key"`
	Pinned bool   `json:"pinned"`
	Slot   int    `json:"slot"`
}

// File is the snapshot document.
type File struct {
	Version     int          `json:"version"`
	SavedAt     time.Time    `json:"saved_at"`
	Components  []Component  `json:"components"`
	Obligations []Obligation `json:"obligations"`
	Keys        []Key        `json:"keys"`
}

// Encode serializes f and appends its checksum.
func Encode(f *File) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return integrity.Seal(body), nil
}

// Decode verifies the checksum of blob and parses it.
func Decode(blob []byte) (*File, error) {
	body, err := integrity.Open(blob)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if f.Version != Version {
		return nil, fault.New(fault.IntegrityMismatch, "unsupported snapshot version %d", f.Version)
	}
	return &f, nil
}

// Write atomically replaces the snapshot at path.
func Write(sh shell.Shell, path string, f *File) error {
	blob, err := Encode(f)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	unlock, err := lock(sh, path)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Read loads and verifies the snapshot at path. A missing file yields an
// error satisfying errors.Is(err, os.ErrNotExist).
func Read(sh shell.Shell, path string) (*File, error) {
	unlock, err := lock(sh, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(blob)
}

func lock(sh shell.Shell, path string) (func(), error) {
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open snapshot lock: %w", err)
	}
	if err := sh.Lock(lf); err != nil {
		lf.Close() //nolint:errcheck
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}
	return func() {
		_ = sh.Unlock(lf)
		_ = lf.Close()
	}, nil
}
