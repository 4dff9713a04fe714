// Command stormkv-server is a direct translation of the original
// reference implementation's KV.java HTTP wrapper (SPEC_FULL.md §C.4):
// a thin, stdlib-only HTTP surface in front of whichever storage engine
// the operator selects. It is not part of the engines' own test surface
// -- spec.md places the network layer outside the core -- it exists
// because a runnable binary is part of a complete repo.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/kebukeYi/stormkv/internal/bitcask"
	"github.com/kebukeYi/stormkv/internal/common"
	"github.com/kebukeYi/stormkv/internal/lsm"
	"github.com/kebukeYi/stormkv/internal/store"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory")
	port := flag.Int("port", 8080, "listen port")
	engineName := flag.String("engine", "lsm", "storage engine: bitcask or lsm")
	segmentBytes := flag.Int64("segment-bytes", common.DefaultSegmentByteLimit, "bitcask segment byte limit")
	memtableBytes := flag.Int64("memtable-bytes", common.DefaultMemtableByteLimit, "lsm memtable byte limit")
	fsyncIntervalMs := flag.Int("fsync-interval-ms", common.DefaultFsyncIntervalMs, "bitcask periodic fsync interval in milliseconds (0 disables)")
	flag.Parse()

	kv, err := openEngine(*engineName, *dataDir, *segmentBytes, *memtableBytes, *fsyncIntervalMs)
	if err != nil {
		log.Fatalf("stormkv-server: open engine: %v", err)
	}
	if err := kv.Start(); err != nil {
		log.Fatalf("stormkv-server: start engine: %v", err)
	}
	defer kv.Close()

	h := &handler{kv: kv}
	mux := http.NewServeMux()
	mux.HandleFunc("/kv", h.handleKV)
	mux.HandleFunc("/batch", h.handleBatch)
	mux.HandleFunc("/range", h.handleRange)
	mux.HandleFunc("/compact", h.handleCompact)

	addr := fmt.Sprintf(":%d", *port)
	common.Infof("listening on %s (engine=%s data=%s)", addr, *engineName, *dataDir)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("stormkv-server: %v", err)
	}
}

func openEngine(name, dir string, segmentBytes, memtableBytes int64, fsyncIntervalMs int) (store.KeyValueStore, error) {
	switch name {
	case "bitcask":
		return bitcask.New(bitcask.Options{Dir: dir, SegmentByteLimit: segmentBytes, FsyncIntervalMs: fsyncIntervalMs}), nil
	case "lsm":
		return lsm.New(lsm.Options{Dir: dir, MemtableByteLimit: memtableBytes}), nil
	default:
		return nil, fmt.Errorf("stormkv-server: unknown engine %q", name)
	}
}

type handler struct {
	kv store.KeyValueStore
}

// handleKV serves PUT/GET/DELETE on /kv?key=...
func (h *handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.kv.Put([]byte(key), value); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		value, err := h.kv.Read([]byte(key))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Write(value)
	case http.MethodDelete:
		if err := h.kv.Delete([]byte(key)); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBatch serves POST /batch: tab-separated "key\tvalue" lines, one
// pair per line.
func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var keys, values [][]byte
	sc := bufio.NewScanner(r.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			http.Error(w, "malformed batch line: "+line, http.StatusBadRequest)
			return
		}
		keys = append(keys, []byte(parts[0]))
		values = append(values, []byte(parts[1]))
	}
	if err := sc.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.kv.BatchPut(keys, values)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	fmt.Fprintf(w, "%d\n", n)
}

// rangeRow is one line of the /range response: base64 value, per
// SPEC_FULL.md §C.4.
type rangeRow struct {
	K string `json:"k"`
	V string `json:"v"`
}

// handleRange serves GET /range?start=...&end=...&limit=...: one JSON
// object per line, ascending.
func (h *handler) handleRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	var start, end []byte
	if s := q.Get("start"); s != "" {
		start = []byte(s)
	}
	if e := q.Get("end"); e != "" {
		end = []byte(e)
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	entries, err := h.kv.ReadRange(start, end, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		row := rangeRow{K: string(e.Key), V: base64.StdEncoding.EncodeToString(e.Value)}
		if err := enc.Encode(row); err != nil {
			return
		}
	}
}

// handleCompact serves POST /compact.
func (h *handler) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reclaimed, err := h.kv.Compact()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	fmt.Fprintf(w, "%d\n", reclaimed)
}

func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, common.ErrKeyNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
