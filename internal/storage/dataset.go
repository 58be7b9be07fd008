// Package storage persists bronze rows as a hive-style partitioned dataset on the local filesystem.
//
// Layout:
//
//	<root>/<col>=<value>[/<col>=<value>...]/part-<batch>.parquet
//	<root>/alerts_<batch>_<ts>.parquet
//
// Every file is written to a hidden temporary name and renamed into place, so readers never observe
// a half-written file. Files and directories whose names start with "." or "_" are ignored on read.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultPartition names the directory for rows whose partition value is empty.
const DefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// ErrExists is returned when a write would replace a file that is already in the dataset.
var ErrExists = errors.New("file already exists")

// Store is the write/read surface the pipeline needs from storage.
type Store interface {
	Root() string
	WritePartitioned(ctx context.Context, batchID string, rows []Row, columns []string) (WriteResult, error)
	WriteFile(ctx context.Context, name string, rows []Row) (WriteResult, error)
	Read(ctx context.Context, q Query) ([]Row, error)
}

// Locker serializes writers of the same partition.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// WriteResult lists what a write added to the dataset.
type WriteResult struct {
	Files      []string
	Partitions []string
	// PartitionRows maps each partition in Partitions to its row count.
	PartitionRows map[string]int
}

// Query selects rows on read. An empty Column matches everything; Limit <= 0 means no limit.
type Query struct {
	Column string
	Value  string
	Limit  int
}

type Dataset struct {
	root     string
	codec    Codec
	locker   Locker
	decoders map[string]Codec
}

type Option func(*Dataset)

func WithLocker(l Locker) Option {
	return func(d *Dataset) { d.locker = l }
}

// NewDataset writes with codec. Reads understand both parquet and JSON files.
func NewDataset(root string, codec Codec, opts ...Option) *Dataset {
	d := &Dataset{
		root:     filepath.Clean(root),
		codec:    codec,
		decoders: map[string]Codec{".json": JSONCodec{}},
	}
	if pc, err := NewParquetCodec("snappy"); err == nil {
		d.decoders[pc.Ext()] = pc
	}
	d.decoders[codec.Ext()] = codec
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dataset) Root() string { return d.root }

type partition struct {
	dir  string
	rows []Row
}

func groupByPartition(rows []Row, columns []string) ([]partition, error) {
	index := make(map[string]int)
	var out []partition
	for _, r := range rows {
		parts := make([]string, 0, len(columns))
		for _, col := range columns {
			v, err := r.Value(col)
			if err != nil {
				return nil, err
			}
			parts = append(parts, col+"="+EscapeValue(v))
		}
		dir := filepath.Join(parts...)
		i, ok := index[dir]
		if !ok {
			i = len(out)
			index[dir] = i
			out = append(out, partition{dir: dir})
		}
		out[i].rows = append(out[i].rows, r)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].dir < out[b].dir })
	return out, nil
}

// WritePartitioned adds one file per partition touched by rows. Existing partitions are left alone.
// If any partition fails, the files this call already wrote are removed before returning.
func (d *Dataset) WritePartitioned(ctx context.Context, batchID string, rows []Row, columns []string) (WriteResult, error) {
	if len(columns) == 0 {
		return WriteResult{}, fmt.Errorf("no partition columns")
	}
	groups, err := groupByPartition(rows, columns)
	if err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{PartitionRows: make(map[string]int, len(groups))}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			d.rollback(res.Files)
			return WriteResult{}, err
		}
		path := filepath.Join(d.root, g.dir, "part-"+batchID+d.codec.Ext())
		if err := d.writeLocked(ctx, g.dir, path, g.rows); err != nil {
			d.rollback(res.Files)
			return WriteResult{}, fmt.Errorf("partition %s: %w", g.dir, err)
		}
		res.Files = append(res.Files, path)
		res.Partitions = append(res.Partitions, filepath.ToSlash(g.dir))
		res.PartitionRows[filepath.ToSlash(g.dir)] = len(g.rows)
	}
	return res, nil
}

// WriteFile writes rows to a single file named name plus the codec extension at the dataset root.
func (d *Dataset) WriteFile(ctx context.Context, name string, rows []Row) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	path := filepath.Join(d.root, name+d.codec.Ext())
	if err := d.writeLocked(ctx, ".", path, rows); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Files: []string{path}}, nil
}

func (d *Dataset) writeLocked(ctx context.Context, dir, path string, rows []Row) error {
	if d.locker != nil {
		release, err := d.locker.Lock(ctx, filepath.ToSlash(filepath.Join(d.root, dir)))
		if err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		defer release()
	}
	return d.writeAtomic(path, rows)
}

func (d *Dataset) writeAtomic(path string, rows []Row) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString()+"-"+filepath.Base(path))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if err := d.codec.Encode(f, rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (d *Dataset) rollback(files []string) {
	for _, f := range files {
		_ = os.Remove(f)
	}
}

// Read returns matching rows in lexical file order. A missing root yields no rows and no error.
func (d *Dataset) Read(ctx context.Context, q Query) ([]Row, error) {
	if _, err := os.Stat(d.root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var prefix string
	if q.Column != "" {
		prefix = q.Column + "="
	}
	var out []Row
	errDone := errors.New("done")
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if path != d.root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
			if e.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if e.IsDir() {
			if prefix != "" && strings.HasPrefix(name, prefix) && name != prefix+EscapeValue(q.Value) {
				return fs.SkipDir
			}
			return nil
		}
		codec, ok := d.decoders[filepath.Ext(name)]
		if !ok {
			return nil
		}
		rows, err := codec.Decode(path)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if q.Column != "" {
				v, err := r.Value(q.Column)
				if err != nil {
					return err
				}
				if v != q.Value {
					continue
				}
			}
			out = append(out, r)
			if q.Limit > 0 && len(out) >= q.Limit {
				return errDone
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return out, nil
}

// EscapeValue makes a partition value safe as a single path element.
func EscapeValue(v string) string {
	if v == "" {
		return DefaultPartition
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c < 0x20 || c == 0x7f, c == '/', c == '\\', c == '=', c == ':', c == '%', c == '"', c == '*', c == '?', c == '<', c == '>', c == '|':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	if s := b.String(); s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return b.String()
}
