// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bureau-foundation/canister/lib/atomicfile"
)

// ErrNoValidBase is returned by [Store.Load] when page files exist but
// none of the base files verifies.
var ErrNoValidBase = errors.New("pagemap: store has page files but no valid base")

// StoreOptions configures a [Store].
type StoreOptions struct {
	// Compression for page records. Zero value is CompressionNone;
	// use [ParseCompression] to get the LZ4 default from config.
	Compression Compression

	// Logger receives load and prune events. Nil means slog.Default().
	Logger *slog.Logger
}

// Store persists the version history of one address space in a
// directory. The directory holds one base file and the delta files
// layered on it:
//
//	base.00000000000000000012
//	delta.00000000000000000013
//	delta.00000000000000000014
//
// Every file is written atomically, so after a crash each file is
// either complete or absent (or, with disk corruption, fails its
// checksum). A Store is safe for concurrent use but the directory must
// not be shared between Stores.
type Store struct {
	directory   string
	compression Compression
	logger      *slog.Logger

	mu sync.Mutex
	// Persisted state. Valid once loaded is true.
	loaded      bool
	hasBase     bool
	baseVersion uint64
	version     uint64
}

// LoadReport describes what [Store.Load] found.
type LoadReport struct {
	BaseVersion uint64
	Version     uint64
	Deltas      int

	// Skipped lists page files that were not used: corrupt files,
	// deltas after a gap or corrupt delta, and files older than the
	// base that was loaded.
	Skipped []string

	// Empty is true when the directory held no page files.
	Empty bool
}

// OpenStore prepares directory for use, creating it if needed and
// removing temporary files left by interrupted writes.
func OpenStore(directory string, options StoreOptions) (*Store, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating page store %s: %w", directory, err)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	removed, err := atomicfile.RemoveStale(directory)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		logger.Warn("removed interrupted page file writes", "directory", directory, "files", removed)
	}
	return &Store{
		directory:   directory,
		compression: options.Compression,
		logger:      logger,
	}, nil
}

// Directory returns the store's directory.
func (s *Store) Directory() string { return s.directory }

// storedFile is a parsed page file name.
type storedFile struct {
	kind    fileKind
	version uint64
	name    string
}

func fileName(kind fileKind, version uint64) string {
	return fmt.Sprintf("%s.%020d", kind, version)
}

func parseFileName(name string) (storedFile, bool) {
	kindText, versionText, found := strings.Cut(name, ".")
	if !found || len(versionText) != 20 {
		return storedFile{}, false
	}
	kind := fileKind(kindText)
	if kind != kindBase && kind != kindDelta {
		return storedFile{}, false
	}
	version, err := strconv.ParseUint(versionText, 10, 64)
	if err != nil {
		return storedFile{}, false
	}
	return storedFile{kind: kind, version: version, name: name}, true
}

// list returns the page files in the directory, bases and deltas each
// sorted by ascending version.
func (s *Store) list() (bases, deltas []storedFile, err error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, nil, fmt.Errorf("listing page store %s: %w", s.directory, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		if file.kind == kindBase {
			bases = append(bases, file)
		} else {
			deltas = append(deltas, file)
		}
	}
	byVersion := func(a, b storedFile) int {
		switch {
		case a.version < b.version:
			return -1
		case a.version > b.version:
			return 1
		}
		return 0
	}
	slices.SortFunc(bases, byVersion)
	slices.SortFunc(deltas, byVersion)
	return bases, deltas, nil
}

func (s *Store) read(file storedFile) (fileHeader, map[PageIndex]*Page, error) {
	data, err := os.ReadFile(filepath.Join(s.directory, file.name))
	if err != nil {
		return fileHeader{}, nil, err
	}
	header, pages, err := readFile(data)
	if err != nil {
		return header, nil, err
	}
	if header.Kind != file.kind || header.Version != file.version {
		return header, nil, fmt.Errorf("%w: %s holds %s version %d", ErrCorruptFile, file.name, header.Kind, header.Version)
	}
	return header, pages, nil
}

// Load reconstructs the highest fully-written version: the newest base
// that verifies, plus the unbroken run of valid deltas after it. A
// missing or corrupt delta ends the run; later deltas are reported in
// LoadReport.Skipped and left on disk until the next Sync replaces
// them. An empty directory loads as an empty address space.
func (s *Store) Load() (*PageMap, LoadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*PageMap, LoadReport, error) {
	var report LoadReport
	bases, deltas, err := s.list()
	if err != nil {
		return nil, report, err
	}
	if len(bases) == 0 && len(deltas) == 0 {
		report.Empty = true
		s.loaded, s.hasBase, s.baseVersion, s.version = true, false, 0, 0
		return New(0), report, nil
	}

	var current *PageMap
	var chosen int
	for position := len(bases) - 1; position >= 0; position-- {
		header, pages, err := s.read(bases[position])
		if err != nil {
			s.logger.Warn("skipping unreadable page base",
				"directory", s.directory, "file", bases[position].name, "error", err)
			report.Skipped = append(report.Skipped, bases[position].name)
			continue
		}
		current = &PageMap{
			base:     &layer{version: header.Version, numPages: header.NumPages, pages: pages},
			numPages: header.NumPages,
			version:  header.Version,
		}
		chosen = position
		break
	}
	if current == nil {
		return nil, report, fmt.Errorf("%s: %w", s.directory, ErrNoValidBase)
	}
	for _, older := range bases[:chosen] {
		report.Skipped = append(report.Skipped, older.name)
	}

	broken := false
	for _, file := range deltas {
		if file.version <= current.base.version {
			report.Skipped = append(report.Skipped, file.name)
			continue
		}
		if broken || file.version != current.version+1 {
			broken = true
			report.Skipped = append(report.Skipped, file.name)
			continue
		}
		header, pages, err := s.read(file)
		if err == nil && header.ParentVersion != current.version {
			err = fmt.Errorf("%w: parent version %d, want %d", ErrCorruptFile, header.ParentVersion, current.version)
		}
		if err != nil {
			s.logger.Warn("page delta chain ends at unreadable delta",
				"directory", s.directory, "file", file.name, "version", current.version, "error", err)
			broken = true
			report.Skipped = append(report.Skipped, file.name)
			continue
		}
		delta := &PageDelta{pages: pages, minPages: header.NumPages}
		current, err = current.Apply(delta)
		if err != nil {
			return nil, report, err
		}
		report.Deltas++
	}

	report.BaseVersion = current.BaseVersion()
	report.Version = current.Version()
	s.loaded, s.hasBase = true, true
	s.baseVersion, s.version = report.BaseVersion, report.Version
	return current, report, nil
}

// Sync persists every version of m that the directory does not yet
// hold. When m's base is newer than the persisted base, m's base is
// written and files it supersedes are pruned; otherwise only the
// missing deltas are written. m must not be older than what the store
// already holds.
func (s *Store) Sync(m *PageMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if _, _, err := s.load(); err != nil {
			return fmt.Errorf("loading page store before sync: %w", err)
		}
	}
	if s.hasBase && m.version < s.version {
		return fmt.Errorf("pagemap: store %s is at version %d, map is at older version %d", s.directory, s.version, m.version)
	}

	// Files past the persisted version are the unusable tail of a
	// broken chain, or a base that failed verification. They go before
	// anything new is written so that a crash mid-sync can never splice
	// them onto fresh deltas.
	if err := s.prune(func(file storedFile) bool {
		return file.version > s.version
	}); err != nil {
		return err
	}

	writeBase := !s.hasBase || m.base.version > s.baseVersion
	if !writeBase && m.base.version > s.version {
		writeBase = true
	}
	if writeBase {
		if err := s.writeLayer(kindBase, m.base, 0); err != nil {
			return err
		}
		s.hasBase, s.baseVersion = true, m.base.version
		if s.version < m.base.version {
			s.version = m.base.version
		}
	}

	parent := m.base.version
	for _, delta := range m.deltas {
		if delta.version > s.version {
			if err := s.writeLayer(kindDelta, delta, parent); err != nil {
				return err
			}
			s.version = delta.version
		}
		parent = delta.version
	}
	if writeBase {
		return s.prune(func(file storedFile) bool {
			if file.kind == kindBase {
				return file.version < s.baseVersion
			}
			return file.version <= s.baseVersion
		})
	}
	return nil
}

func (s *Store) writeLayer(kind fileKind, l *layer, parent uint64) error {
	header := fileHeader{
		Kind:          kind,
		Version:       l.version,
		ParentVersion: parent,
		NumPages:      l.numPages,
	}
	path := filepath.Join(s.directory, fileName(kind, l.version))
	err := atomicfile.Write(path, 0o644, func(w io.Writer) error {
		return writeFile(w, header, l.pages, s.compression)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// prune removes the page files selected by obsolete.
func (s *Store) prune(obsolete func(storedFile) bool) error {
	bases, deltas, err := s.list()
	if err != nil {
		return err
	}
	var removed []string
	for _, file := range slices.Concat(bases, deltas) {
		if !obsolete(file) {
			continue
		}
		if err := os.Remove(filepath.Join(s.directory, file.name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pruning %s: %w", file.name, err)
		}
		removed = append(removed, file.name)
	}
	if len(removed) == 0 {
		return nil
	}
	s.logger.Debug("pruned page files", "directory", s.directory, "files", removed)
	return atomicfile.SyncDirectory(s.directory)
}
