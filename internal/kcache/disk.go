package kcache

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cubit/internal/device"
)

// Increment when the index record format changes.
const diskSchemaVersion uint16 = 1

const indexFile = "index.mp"

// Disk mirrors compiled binaries across process restarts. The index is a flat
// stream of msgpack records loaded wholesale at open and appended on each
// successful compile; binaries live beside it as one blob file per key.
// Thread-safe for concurrent access.
type Disk struct {
	mu  sync.Mutex
	dir string
}

// DiskRecord is one persisted index entry.
type DiskRecord struct {
	Schema   uint16
	Major    int
	Minor    int
	Hash     []byte
	BlobFile string
}

// key reconstructs the cache key of a record. The second return is false for
// records whose hash does not round-trip (torn or foreign data).
func (r DiskRecord) key() (Key, bool) {
	if r.Schema != diskSchemaVersion || len(r.Hash) != sha256.Size {
		return Key{}, false
	}
	k := Key{Cap: device.Capability{Major: r.Major, Minor: r.Minor}}
	copy(k.Hash[:], r.Hash)
	return k, true
}

// LoadedRecord pairs a validated record with its key.
type LoadedRecord struct {
	Key      Key
	BlobFile string
}

// OpenDisk initializes the persistent store under dir, creating it if needed.
func OpenDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Disk{dir: dir}, nil
}

// OpenDefaultDisk places the store at the standard user cache location.
func OpenDefaultDisk() (*Disk, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = filepath.Join(home, ".cache")
	}
	return OpenDisk(filepath.Join(base, "cubit"))
}

// Dir returns the store's root directory.
func (d *Disk) Dir() string { return d.dir }

// Put writes the blob and appends its index record. The blob lands via a
// temp file and rename so readers never see a partial image; the record is
// appended only after the blob is in place, so a crash in between leaves an
// orphan blob, never a dangling record.
func (d *Disk) Put(key Key, bin []byte) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	blobName := key.String() + ".cubin"
	blobPath := filepath.Join(d.dir, blobName)
	tmp, err := os.CreateTemp(d.dir, "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(bin); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), blobPath); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(d.dir, indexFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(f)
	rec := DiskRecord{
		Schema:   diskSchemaVersion,
		Major:    key.Cap.Major,
		Minor:    key.Cap.Minor,
		Hash:     key.Hash[:],
		BlobFile: blobName,
	}
	if err := enc.Encode(&rec); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Load reads the whole index. A torn tail record (crash mid-append) ends the
// stream without error; everything before it stays usable.
func (d *Disk) Load() ([]LoadedRecord, error) {
	if d == nil {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(filepath.Join(d.dir, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var out []LoadedRecord
	dec := msgpack.NewDecoder(f)
	for {
		var rec DiskRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			break
		}
		key, ok := rec.key()
		if !ok {
			continue
		}
		out = append(out, LoadedRecord{Key: key, BlobFile: rec.BlobFile})
	}
	return out, nil
}

// ReadBlob returns the binary image of a loaded record.
func (d *Disk) ReadBlob(rec LoadedRecord) ([]byte, error) {
	name := filepath.Base(rec.BlobFile)
	if name != rec.BlobFile {
		return nil, fmt.Errorf("malformed blob file name %q", rec.BlobFile)
	}
	return os.ReadFile(filepath.Join(d.dir, name))
}

// DropAll removes the entire store, useful after format changes.
func (d *Disk) DropAll() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.dir + ".old-" + time.Now().Format("20060102150405")
	if err := os.Rename(d.dir, old); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	return os.MkdirAll(d.dir, 0o755)
}
