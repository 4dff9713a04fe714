// Package manifest tracks the set of live sorted tables for the LSM
// engine (spec.md §4.5): a newest-first ordered list of table paths,
// persisted as a plain text file via temp-file-plus-atomic-rename so a
// crash mid-write never leaves a half-written manifest behind.
package manifest

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kebukeYi/stormkv/internal/common"
	"github.com/kebukeYi/stormkv/internal/sstable"
)

// Manifest holds the newest-first list of live table paths and an open
// reader for each one, kept in the same order. reopenReaders is called
// after every mutation so the reader list never drifts from the path
// list.
type Manifest struct {
	mu      sync.RWMutex
	dir     string
	paths   []string // newest first
	readers []*sstable.Reader
}

func manifestPath(dir string) string {
	return filepath.Join(dir, common.ManifestFileName)
}

// LoadOrCreate reads dir's manifest file if present; otherwise it scans
// dir for existing *.sst files, adopts them (in directory-listing order,
// since no manifest recorded their true recency) and immediately persists
// that as the manifest, matching the original reference implementation's
// recovery behavior for a pre-existing data directory with no manifest.
func LoadOrCreate(dir string) (*Manifest, error) {
	m := &Manifest{dir: dir}

	f, err := os.Open(manifestPath(dir))
	switch {
	case os.IsNotExist(err):
		entries, gerr := filepath.Glob(filepath.Join(dir, "*"+common.SstableFileExt))
		if gerr != nil {
			return nil, common.Wrap(gerr, "scan for orphan sstables")
		}
		m.paths = entries
		if err := m.reopenReaders(); err != nil {
			return nil, err
		}
		if err := m.storeAtomicLocked(); err != nil {
			return nil, err
		}
		return m, nil
	case err != nil:
		return nil, common.Wrap(err, "open manifest")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m.paths = append(m.paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, common.Wrap(err, "read manifest")
	}
	if err := m.reopenReaders(); err != nil {
		return nil, err
	}
	return m, nil
}

// AddHead records path as the newest live table and persists the change.
func (m *Manifest) AddHead(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append([]string{path}, m.paths...)
	if err := m.reopenReaders(); err != nil {
		return err
	}
	return m.storeAtomicLocked()
}

// Replace atomically swaps a set of old tables for one freshly merged
// table, preserving recency order of the tables it leaves in place. The
// merged table is inserted where the newest removed table used to sit,
// matching the "replace in place" semantics of the original compactor.
func (m *Manifest) Replace(old []string, merged string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldSet := make(map[string]bool, len(old))
	for _, p := range old {
		oldSet[p] = true
	}
	next := make([]string, 0, len(m.paths)-len(old)+1)
	inserted := false
	for _, p := range m.paths {
		if oldSet[p] {
			if !inserted {
				next = append(next, merged)
				inserted = true
			}
			continue
		}
		next = append(next, p)
	}
	if !inserted {
		next = append(next, merged)
	}
	m.paths = next
	if err := m.reopenReaders(); err != nil {
		return err
	}
	return m.storeAtomicLocked()
}

// ReadersNewestFirst returns the open readers in newest-first order, the
// order a point read must consult them in (first hit wins).
func (m *Manifest) ReadersNewestFirst() []*sstable.Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*sstable.Reader, len(m.readers))
	copy(out, m.readers)
	return out
}

// OldestN returns the paths of the n oldest live tables (empty if fewer
// than n tables are live), the compactor's pick for one merge pass.
func (m *Manifest) OldestN(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.paths) < n {
		return nil
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = m.paths[len(m.paths)-1-i]
	}
	return out
}

// Count returns the number of live tables.
func (m *Manifest) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.paths)
}

// Close closes every open reader.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// reopenReaders closes the current readers and opens a fresh one per
// path, in path order. Called under m.mu after every mutation.
func (m *Manifest) reopenReaders() error {
	for _, r := range m.readers {
		r.Close()
	}
	readers := make([]*sstable.Reader, 0, len(m.paths))
	for _, p := range m.paths {
		r, err := sstable.Open(p)
		if err != nil {
			for _, opened := range readers {
				opened.Close()
			}
			return common.Wrapf(err, "open sstable %s", p)
		}
		readers = append(readers, r)
	}
	m.readers = readers
	return nil
}

// storeAtomicLocked writes the current path list to a temp file, renames
// it into place, and fsyncs the containing directory. Caller holds m.mu.
func (m *Manifest) storeAtomicLocked() error {
	tmp := manifestPath(m.dir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return common.Wrap(err, "create temp manifest")
	}
	for _, p := range m.paths {
		if _, err := f.WriteString(p + "\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return common.Wrap(err, "write manifest entry")
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return common.Wrap(err, "fsync temp manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return common.Wrap(err, "close temp manifest")
	}
	if err := os.Rename(tmp, manifestPath(m.dir)); err != nil {
		return common.Wrap(err, "rename manifest into place")
	}
	if d, err := os.Open(m.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
