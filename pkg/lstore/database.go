package lstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	natefinchatomic "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/calvinalkan/lstore/pkg/fs"
)

const manifestFileName = "tables.manifest"

const defaultBufferCapacity = 8

// dbConfig is the persisted, optional `<db_path>/config.hujson` shape:
// human-JSON-with-comments defaults applied before explicit [Option]s. See
// SPEC_FULL.md's Configuration section.
type dbConfig struct {
	BufferCapacity int `json:"buffer_capacity,omitempty"` //nolint:tagliatelle
}

const configFileName = "config.hujson"

// Option configures [Open].
type Option func(*options)

type options struct {
	bufferCapacity int
	logger         *zap.Logger
}

// WithBufferCapacity overrides the per-table resident-partition capacity.
// Applies to every table opened after this Option, unless overridden
// per-table by a future API; currently a single database-wide value.
func WithBufferCapacity(k int) Option {
	return func(o *options) {
		o.bufferCapacity = k
	}
}

// WithLogger sets the structured logger threaded through Database, Table,
// and BufferPool. A nil logger (the default if this Option is omitted)
// falls back to [zap.NewNop].
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Database is a directory of tables rooted at a filesystem path. See
// spec.md §4.8.
type Database struct {
	path   string
	fsys   fs.FS
	logger *zap.Logger
	opts   options

	mu     sync.Mutex
	tables map[string]*Table
}

// Open opens (creating if absent) the database rooted at path, applying an
// optional `<path>/config.hujson` and then any explicit opts, which take
// precedence over the file.
func Open(path string, fsys fs.FS, opts ...Option) (*Database, error) {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	if err := fsys.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create database directory %q: %v", ErrIO, path, err)
	}

	cfg, err := loadDBConfig(fsys, path)
	if err != nil {
		return nil, err
	}

	resolved := options{bufferCapacity: defaultBufferCapacity}

	if cfg.BufferCapacity > 0 {
		resolved.bufferCapacity = cfg.BufferCapacity
	}

	for _, opt := range opts {
		opt(&resolved)
	}

	if resolved.logger == nil {
		resolved.logger = zap.NewNop()
	}

	db := &Database{
		path:   path,
		fsys:   fsys,
		logger: resolved.logger,
		opts:   resolved,
		tables: make(map[string]*Table),
	}

	db.logger.Info("database opened", zap.String("path", path), zap.Int("buffer_capacity", resolved.bufferCapacity))

	return db, nil
}

func loadDBConfig(fsys fs.FS, dbPath string) (dbConfig, error) {
	path := filepath.Join(dbPath, configFileName)

	exists, err := fsys.Exists(path)
	if err != nil {
		return dbConfig{}, fmt.Errorf("%w: stat database config: %v", ErrIO, err)
	}

	if !exists {
		return dbConfig{}, nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return dbConfig{}, fmt.Errorf("%w: read database config: %v", ErrIO, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return dbConfig{}, fmt.Errorf("%w: invalid config.hujson: %v", ErrIO, err)
	}

	var cfg dbConfig

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return dbConfig{}, fmt.Errorf("%w: invalid config.hujson: %v", ErrIO, err)
	}

	return cfg, nil
}

// CreateTable constructs (or reopens) a table rooted at `<path>/<name>`
// with numColumns user columns and key column at position key.
func (db *Database) CreateTable(name string, numColumns, key int) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.tables[name]; ok {
		return t, nil
	}

	dir := filepath.Join(db.path, name)

	t, err := OpenTable(dir, name, numColumns, key, db.opts.bufferCapacity, db.fsys, db.logger.Named(name))
	if err != nil {
		return nil, err
	}

	db.tables[name] = t

	if err := db.writeManifestLocked(); err != nil {
		return nil, err
	}

	db.logger.Info("table created", zap.String("table", name), zap.Int("columns", numColumns), zap.Int("key", key))

	return t, nil
}

// writeManifestLocked persists the set of known table names to
// `<path>/tables.manifest`, written directly to the OS filesystem via
// `github.com/natefinch/atomic`, independent of the injectable [fs.FS] used
// for table data, so that database-level bookkeeping survives even when a
// test swaps in a fake FS for table I/O. Caller must hold db.mu.
func (db *Database) writeManifestLocked() error {
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("%w: encode table manifest: %v", ErrIO, err)
	}

	path := filepath.Join(db.path, manifestFileName)

	if err := natefinchatomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: persist table manifest: %v", ErrIO, err)
	}

	return nil
}

// ListTables returns the names of every table this Database has created or
// opened this session, in sorted order.
func (db *Database) ListTables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Table returns a previously created/opened table by name, or (nil, false).
func (db *Database) Table(name string) (*Table, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[name]

	return t, ok
}

// DropTable removes name from the directory. On-disk cleanup is
// best-effort, matching spec.md §4.8's "implementation-defined".
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	t, ok := db.tables[name]
	delete(db.tables, name)

	var manifestErr error
	if ok {
		manifestErr = db.writeManifestLocked()
	}
	db.mu.Unlock()

	if !ok {
		return nil
	}

	if manifestErr != nil {
		return manifestErr
	}

	if err := t.Close(); err != nil {
		return err
	}

	dir := filepath.Join(db.path, name)

	if err := db.fsys.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove table directory %q: %v", ErrIO, dir, err)
	}

	return nil
}

// Close closes every open table.
func (db *Database) Close() error {
	db.mu.Lock()
	tables := make([]*Table, 0, len(db.tables))

	for _, t := range db.tables {
		tables = append(tables, t)
	}

	db.tables = make(map[string]*Table)
	db.mu.Unlock()

	for _, t := range tables {
		if err := t.Close(); err != nil {
			return err
		}
	}

	db.logger.Info("database closed", zap.String("path", db.path))

	return nil
}
