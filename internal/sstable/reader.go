package sstable

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/kebukeYi/stormkv/internal/bloom"
	"github.com/kebukeYi/stormkv/internal/common"
)

// indexEntry is one sparse index row: a key and the data-block offset of
// the first data row at or after it.
type indexEntry struct {
	key []byte
	off int64
}

// Reader is an open, read-only handle on a sorted table. Opening loads the
// entire sparse index (and filter, if present) into memory; the data block
// itself is read on demand.
type Reader struct {
	path   string
	f      *os.File
	index  []indexEntry
	filter *bloom.Filter
}

// Open parses the footer of the sorted table at path, loads its sparse
// index and Bloom filter into memory, and returns a Reader ready for Get
// and RangeIter calls. A bad footer magic is a hard error: an sstable
// whose footer doesn't parse is not a table this engine can trust at all,
// unlike a torn tail mid-scan.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.Wrap(err, "open sstable")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.Wrap(err, "stat sstable")
	}
	size := info.Size()
	if size < footerSize {
		f.Close()
		return nil, common.ErrCorruptFooter
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		f.Close()
		return nil, common.Wrap(err, "read sstable footer")
	}
	magic := binary.BigEndian.Uint32(footer[0:4])
	if magic != footerMagic {
		f.Close()
		return nil, common.ErrCorruptFooter
	}
	indexCount := binary.BigEndian.Uint32(footer[4:8])
	indexStart := int64(binary.BigEndian.Uint64(footer[8:16]))

	filterHeader := make([]byte, 8)
	if _, err := f.ReadAt(filterHeader, indexStart); err != nil {
		f.Close()
		return nil, common.Wrap(err, "read filter header")
	}
	filterBitLen := binary.BigEndian.Uint32(filterHeader[0:4])
	filterHashes := binary.BigEndian.Uint32(filterHeader[4:8])
	var filter *bloom.Filter
	cursor := indexStart + 8
	if filterBitLen > 0 {
		bits := make([]byte, filterBitLen)
		if _, err := f.ReadAt(bits, cursor); err != nil {
			f.Close()
			return nil, common.Wrap(err, "read filter bits")
		}
		filter = bloom.Decode(bits, filterHashes)
		cursor += int64(filterBitLen)
	}

	index := make([]indexEntry, 0, indexCount)
	for i := uint32(0); i < indexCount; i++ {
		klenBuf := make([]byte, 4)
		if _, err := f.ReadAt(klenBuf, cursor); err != nil {
			f.Close()
			return nil, common.Wrap(err, "read index entry klen")
		}
		klen := binary.BigEndian.Uint32(klenBuf)
		cursor += 4
		rest := make([]byte, klen+8)
		if _, err := f.ReadAt(rest, cursor); err != nil {
			f.Close()
			return nil, common.Wrap(err, "read index entry body")
		}
		key := rest[:klen]
		off := int64(binary.BigEndian.Uint64(rest[klen:]))
		index = append(index, indexEntry{key: key, off: off})
		cursor += int64(klen) + 8
	}

	return &Reader{path: path, f: f, index: index, filter: filter}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Path returns the sorted table's file path.
func (r *Reader) Path() string { return r.path }

// Get looks up key. ok is false if the key is absent from this table
// entirely; a zero-length value with ok true is a tombstone, left for the
// caller to interpret. A negative Bloom filter answer short-circuits
// straight to a miss without touching the data block.
func (r *Reader) Get(key []byte) (value []byte, ok bool, err error) {
	if r.filter != nil && !r.filter.MayContain(key) {
		return nil, false, nil
	}
	if len(r.index) == 0 {
		return nil, false, nil
	}
	// Binary search for the greatest index key <= key.
	i := sort.Search(len(r.index), func(i int) bool {
		return string(r.index[i].key) > string(key)
	})
	if i == 0 {
		return nil, false, nil
	}
	off := r.index[i-1].off

	dataEnd := r.filterBlockStart()
	for off < dataEnd {
		header := make([]byte, 8)
		n, err := r.f.ReadAt(header, off)
		if err != nil && n < len(header) {
			return nil, false, nil // torn tail at table end
		}
		klen := binary.BigEndian.Uint32(header[0:4])
		vlen := binary.BigEndian.Uint32(header[4:8])
		body := make([]byte, klen+vlen)
		if _, err := r.f.ReadAt(body, off+8); err != nil {
			return nil, false, nil
		}
		k := body[:klen]
		v := body[klen:]
		switch {
		case string(k) == string(key):
			return v, true, nil
		case string(k) > string(key):
			return nil, false, nil
		}
		off += 8 + int64(klen) + int64(vlen)
	}
	return nil, false, nil
}

// RangeIter returns every entry with key in [start, end] (inclusive),
// ascending, including tombstones -- the caller filters those. start=nil
// means "from the first key"; end=nil means "through the last key".
func (r *Reader) RangeIter(start, end []byte) ([]Entry, error) {
	var off int64
	if start != nil && len(r.index) > 0 {
		i := sort.Search(len(r.index), func(i int) bool {
			return string(r.index[i].key) >= string(start)
		})
		if i > 0 {
			i--
		}
		off = r.index[i].off
	}

	dataEnd := r.filterBlockStart()
	var out []Entry
	for off < dataEnd {
		header := make([]byte, 8)
		if _, err := r.f.ReadAt(header, off); err != nil {
			break // torn tail
		}
		klen := binary.BigEndian.Uint32(header[0:4])
		vlen := binary.BigEndian.Uint32(header[4:8])
		body := make([]byte, klen+vlen)
		if _, err := r.f.ReadAt(body, off+8); err != nil {
			break
		}
		k := body[:klen]
		v := body[klen:]
		if start != nil && string(k) < string(start) {
			off += 8 + int64(klen) + int64(vlen)
			continue
		}
		if end != nil && string(k) > string(end) {
			break
		}
		out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		off += 8 + int64(klen) + int64(vlen)
	}
	return out, nil
}

// filterBlockStart returns the offset where the data block ends (and the
// filter/index trailer begins), read from the footer's index-start field
// on every call. Tables with no index entries have no data either.
func (r *Reader) filterBlockStart() int64 {
	info, err := r.f.Stat()
	if err != nil {
		return 0
	}
	footer := make([]byte, footerSize)
	if _, err := r.f.ReadAt(footer, info.Size()-footerSize); err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(footer[8:16]))
}
