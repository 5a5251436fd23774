// Package loader persists records pushed by extractors into shard files and
// reads them back. A Format decides the on-disk layout; compression is
// delegated to the shared codec registry.
package loader

import (
	"io"
	"sort"
	"strings"
	"sync"

	"dataTransfer/src/codec"
	"dataTransfer/src/etl"
	"dataTransfer/src/record"

	"github.com/docker/go-units"
)

const (
	DefaultBufferSize   = 64 * units.KiB
	DefaultSyncInterval = 100
	DefaultRowGroupRows = 8192
)

// FormatOptions tunes the encoders. Zero values select the defaults.
type FormatOptions struct {
	BufferSize   int
	SyncInterval int
	RowGroupRows int
}

func (o FormatOptions) withDefaults() FormatOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	if o.RowGroupRows <= 0 {
		o.RowGroupRows = DefaultRowGroupRows
	}
	return o
}

// Encoder serializes records into one shard stream.
type Encoder interface {
	Encode(r record.Record) error
	// Close flushes buffered data and finishes the stream. It does not
	// close the underlying writer.
	Close() error
}

// Decoder reads records back; Decode returns io.EOF after the last one.
type Decoder interface {
	Decode() (record.Record, error)
	Close() error
}

// Format is one shard serialization. c may be nil for uncompressed output.
type Format interface {
	Name() string
	// Suffix is appended to shard names written with codec c.
	Suffix(c codec.Codec) string
	// Validate rejects codecs the format cannot apply.
	Validate(c codec.Codec) error
	NewEncoder(w io.Writer, c codec.Codec, opts FormatOptions) (Encoder, error)
	// NewDecoder reads a shard written with codec c. schema may be nil, in
	// which case formats without embedded types infer them.
	NewDecoder(r io.Reader, c codec.Codec, schema []record.Kind) (Decoder, error)
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{}
)

// RegisterFormat makes f available under f.Name().
func RegisterFormat(f Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[strings.ToLower(f.Name())] = f
}

// GetFormat looks up a registered format.
func GetFormat(name string) (Format, error) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, etl.ConfigErrorf("unknown output format %q (known: %s)",
			name, strings.Join(formatNamesLocked(), ", "))
	}
	return f, nil
}

// Formats lists the registered format names.
func Formats() []string {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	return formatNamesLocked()
}

func formatNamesLocked() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterFormat(TextFormat{})
	RegisterFormat(SequenceFormat{})
	RegisterFormat(ParquetFormat{})
}
