// Package store defines the contract both storage engines satisfy (spec.md
// §4.8) and the advisory directory lock that guards a data directory
// against a second process opening either engine against it concurrently
// (SPEC_FULL.md §C.2).
package store

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/kebukeYi/stormkv/internal/common"
)

// Entry is one row returned by ReadRange: a live key and its value.
// Tombstoned and shadowed keys never reach the caller.
type Entry struct {
	Key   []byte
	Value []byte
}

// KeyValueStore is the operation set both internal/bitcask.Engine and
// internal/lsm.Engine implement identically (spec.md §4.8).
type KeyValueStore interface {
	Start() error
	Close() error
	Put(key, value []byte) error
	BatchPut(keys, values [][]byte) (int, error)
	Read(key []byte) ([]byte, error)
	ReadRange(start, end []byte, limit int) ([]Entry, error)
	Delete(key []byte) error
	Compact() (int64, error)
}

// DirLock is an advisory, process-exclusive lock over one data directory,
// taken before an engine touches anything else in it -- mirroring the
// teacher's use of gofrs/flock ahead of opening its own data files.
type DirLock struct {
	fl *flock.Flock
}

// Lock attempts to acquire the lock file inside dir. Returns
// common.ErrAlreadyLocked if another process already holds it.
func Lock(dir string) (*DirLock, error) {
	fl := flock.New(filepath.Join(dir, common.LockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, common.Wrap(err, "acquire directory lock")
	}
	if !ok {
		return nil, common.ErrAlreadyLocked
	}
	return &DirLock{fl: fl}, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	return l.fl.Unlock()
}
