package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// Codec encodes a set of rows as one file.
type Codec interface {
	Ext() string
	Encode(w io.Writer, rows []Row) error
	Decode(path string) ([]Row, error)
}

type ParquetCodec struct {
	compression compress.Codec
}

// NewParquetCodec accepts snappy, zstd, gzip or none.
func NewParquetCodec(compression string) (*ParquetCodec, error) {
	var c compress.Codec
	switch compression {
	case "", "snappy":
		c = &parquet.Snappy
	case "zstd":
		c = &parquet.Zstd
	case "gzip":
		c = &parquet.Gzip
	case "none":
		c = &parquet.Uncompressed
	default:
		return nil, fmt.Errorf("unknown parquet compression %q", compression)
	}
	return &ParquetCodec{compression: c}, nil
}

func (c *ParquetCodec) Ext() string { return ".parquet" }

func (c *ParquetCodec) Encode(w io.Writer, rows []Row) error {
	pw := parquet.NewGenericWriter[Row](w, parquet.Compression(c.compression))
	if _, err := pw.Write(rows); err != nil {
		_ = pw.Close()
		return fmt.Errorf("parquet write: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}
	return nil
}

func (c *ParquetCodec) Decode(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	return rows, nil
}

// JSONCodec writes an indented JSON array. Used for debugging output.
type JSONCodec struct{}

func (JSONCodec) Ext() string { return ".json" }

func (JSONCodec) Encode(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func (JSONCodec) Decode(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return rows, nil
}
