// Package sstable implements the immutable sorted table file used by the
// LSM engine (spec.md §4.3): a sorted data block, a sparse index with one
// entry per N data entries, and a fixed footer. Writing flushes to a
// temporary file and atomically renames it into place, fsyncing the
// containing directory so the rename itself survives a crash.
//
// The sparse index block additionally carries an optional Bloom filter
// sub-block ahead of its index entries (SPEC_FULL.md §C.1); the footer
// format itself is untouched -- magic, index entry count, index start
// offset, reserved -- exactly as spec.md §3 describes it.
package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kebukeYi/stormkv/internal/bloom"
	"github.com/kebukeYi/stormkv/internal/common"
)

// nowMillis is only used to mint a unique-enough sstable filename; ordering
// among tables comes from the manifest, never from this timestamp (mirrors
// the original SstableWriter's use of System.currentTimeMillis()).
func nowMillis() int64 { return time.Now().UnixMilli() }

const (
	footerMagic = 0x53535431 // "SST1"
	footerSize  = 4 + 4 + 8 + 4
)

// Entry is a single sorted-table row: a key and its value. A zero-length
// Value denotes a tombstone carried through compaction (spec.md §4.3); the
// reader returns it verbatim and leaves the tombstone interpretation to
// the engine, per spec.md §4.7.
type Entry struct {
	Key   []byte
	Value []byte
}

// Write sorts entries ascending by key (duplicates are forbidden -- the
// caller, not this writer, is responsible for deduplicating before
// calling), writes the data block followed by an optional Bloom filter and
// the sparse index (one entry per stride data rows), and a fixed footer.
// The file is flushed under a temporary name and atomically renamed into
// place; the directory is fsynced after the rename. Returns the final
// path.
func Write(dir string, entries []Entry, stride int, bloomFPR float64) (string, error) {
	if stride < 1 {
		stride = common.DefaultSparseIndexStride
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Key) < string(entries[j].Key)
	})

	// Step past any millisecond already taken by an existing table, so two
	// writes within the same millisecond never share a filename.
	var name, finalPath string
	for ms := nowMillis(); ; ms++ {
		name = fmt.Sprintf("%0*d%s", common.SegmentIDWidth, ms, common.SstableFileExt)
		finalPath = filepath.Join(dir, name)
		if _, err := os.Stat(finalPath); os.IsNotExist(err) {
			break
		}
	}
	tmpPath := filepath.Join(dir, name+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", common.Wrap(err, "create temp sstable")
	}

	type idxEntry struct {
		key []byte
		off int64
	}
	var index []idxEntry
	keys := make([][]byte, 0, len(entries))

	var off int64
	for i, e := range entries {
		if i%stride == 0 {
			index = append(index, idxEntry{key: e.Key, off: off})
		}
		keys = append(keys, e.Key)
		rec := make([]byte, 4+4+len(e.Key)+len(e.Value))
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(e.Key)))
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(e.Value)))
		n := 8
		n += copy(rec[n:], e.Key)
		copy(rec[n:], e.Value)
		if _, err := f.Write(rec); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", common.Wrap(err, "write sstable data block")
		}
		off += int64(len(rec))
	}

	indexStart := off

	filter := bloom.NewFromKeys(keys, bloomFPR)
	filterHeader := bloom.EncodeHeader(filter)
	if _, err := f.Write(filterHeader); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", common.Wrap(err, "write filter header")
	}
	if _, err := f.Write(filter.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", common.Wrap(err, "write filter bits")
	}
	off += int64(len(filterHeader)) + int64(len(filter.Bytes()))

	for _, ie := range index {
		buf := make([]byte, 4+len(ie.key)+8)
		binary.BigEndian.PutUint32(buf[0:4], uint32(len(ie.key)))
		n := 4
		n += copy(buf[n:], ie.key)
		binary.BigEndian.PutUint64(buf[n:], uint64(ie.off))
		if _, err := f.Write(buf); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", common.Wrap(err, "write sparse index entry")
		}
		off += int64(len(buf))
	}

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint32(footer[0:4], footerMagic)
	binary.BigEndian.PutUint32(footer[4:8], uint32(len(index)))
	binary.BigEndian.PutUint64(footer[8:16], uint64(indexStart))
	// reserved/crc left at 0: no per-footer checksum is specified (spec.md §3).
	if _, err := f.Write(footer); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", common.Wrap(err, "write sstable footer")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", common.Wrap(err, "fsync sstable")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", common.Wrap(err, "close sstable")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", common.Wrap(err, "rename sstable into place")
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return finalPath, nil
}
