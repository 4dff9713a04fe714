// Package recordcodec implements the bit-exact log record format shared by
// every on-disk append log in stormkv (spec.md §3, §4.1):
//
//	[crc32(4)][flag(1)][klen(4)][vlen(4)][key][value]
//
// crc32 covers (flag, key, value) in that order, using the ISO 3309 / IEEE
// 802.3 polynomial. Recomputing the CRC on read is the only verification
// path; nothing trusts a stored checksum blindly.
package recordcodec

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/kebukeYi/stormkv/internal/common"
)

const (
	FlagPut       byte = 0
	FlagTombstone byte = 1

	// HeaderSize is the fixed-size prefix before key/value bytes.
	HeaderSize = 4 + 1 + 4 + 4
)

// Record is a single append-only log entry: a put carrying a value, or a
// tombstone recording a delete. Once built it is immutable.
type Record struct {
	Flag  byte
	Key   []byte
	Value []byte
	crc   uint32
}

// NewPut builds a put record for key/value and computes its CRC.
func NewPut(key, value []byte) *Record {
	r := &Record{Flag: FlagPut, Key: key, Value: value}
	r.crc = computeCRC(r.Flag, r.Key, r.Value)
	return r
}

// NewTombstone builds a delete marker for key; its value length is always 0.
func NewTombstone(key []byte) *Record {
	r := &Record{Flag: FlagTombstone, Key: key, Value: nil}
	r.crc = computeCRC(r.Flag, r.Key, r.Value)
	return r
}

// IsTombstone reports whether this record is a delete marker.
func (r *Record) IsTombstone() bool { return r.Flag == FlagTombstone }

// CRC32 returns the checksum computed when the record was built.
func (r *Record) CRC32() uint32 { return r.crc }

// Size returns the total serialized length in bytes (header + key + value).
func (r *Record) Size() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}

// Encode serializes r into dst, which must be at least r.Size() bytes long.
// Returns the number of bytes written.
func (r *Record) Encode(dst []byte) int {
	binary.BigEndian.PutUint32(dst[0:4], r.crc)
	dst[4] = r.Flag
	binary.BigEndian.PutUint32(dst[5:9], uint32(len(r.Key)))
	binary.BigEndian.PutUint32(dst[9:13], uint32(len(r.Value)))
	n := HeaderSize
	n += copy(dst[n:], r.Key)
	n += copy(dst[n:], r.Value)
	return n
}

// Bytes allocates a fresh buffer and serializes r into it.
func (r *Record) Bytes() []byte {
	buf := make([]byte, r.Size())
	r.Encode(buf)
	return buf
}

func computeCRC(flag byte, key, value []byte) uint32 {
	h := crc32.New(common.IEEETable)
	h.Write([]byte{flag})
	h.Write(key)
	h.Write(value)
	return h.Sum32()
}

// ErrTornTail marks an incomplete or CRC-invalid record. Decode returns it;
// scanners treat the same conditions as the end of the log and stop
// cleanly, so it never surfaces from a scan.
var ErrTornTail = common.Wrap(io.ErrUnexpectedEOF, "torn tail")

// Header is the decoded fixed-size prefix of a record.
type Header struct {
	CRC  uint32
	Flag byte
	KLen uint32
	VLen uint32
}

// DecodeHeader parses the HeaderSize-byte prefix in buf. buf must be exactly
// HeaderSize bytes; the caller is responsible for a short-read check before
// calling this (a short header read is itself a torn tail).
func DecodeHeader(buf []byte) Header {
	return Header{
		CRC:  binary.BigEndian.Uint32(buf[0:4]),
		Flag: buf[4],
		KLen: binary.BigEndian.Uint32(buf[5:9]),
		VLen: binary.BigEndian.Uint32(buf[9:13]),
	}
}

// Verify recomputes the CRC over (flag, key, value) and reports whether it
// matches h.CRC.
func (h Header) Verify(key, value []byte) bool {
	return computeCRC(h.Flag, key, value) == h.CRC
}

// Decode parses a full record out of buf (header + key + value, exactly
// HeaderSize+klen+vlen bytes) and verifies its CRC. Returns ErrTornTail on
// CRC mismatch -- the caller treats that identically to a short read.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTornTail
	}
	h := DecodeHeader(buf[:HeaderSize])
	rest := buf[HeaderSize:]
	if uint32(len(rest)) < h.KLen+h.VLen {
		return nil, ErrTornTail
	}
	key := rest[:h.KLen]
	value := rest[h.KLen : h.KLen+h.VLen]
	if !h.Verify(key, value) {
		return nil, ErrTornTail
	}
	return &Record{Flag: h.Flag, Key: key, Value: value, crc: h.CRC}, nil
}
