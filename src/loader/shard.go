package loader

import (
	"context"
	"io"
	"sync/atomic"

	"dataTransfer/src/codec"
	"dataTransfer/src/etl"
	"dataTransfer/src/record"
	"dataTransfer/src/util"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/tidb/br/pkg/storage"
	"go.uber.org/zap"
)

// WriterOptions configures a ShardWriter.
type WriterOptions struct {
	FormatOptions
	// Progress receives record and byte counts; may be nil.
	Progress *util.ProgressLogger
}

// ShardWriter is the RecordSink that persists one partition's records into
// one shard file. It is not safe for concurrent use.
type ShardWriter struct {
	name    string
	store   storage.ExternalStorage
	file    *util.FileWriter
	enc     Encoder
	records atomic.Int64
	schema  []record.Kind
	opts    WriterOptions
	done    bool
}

var _ etl.RecordSink = (*ShardWriter)(nil)

// Create opens name in store and prepares format's encoder on top of it.
// c may be nil for uncompressed output.
func Create(
	ctx context.Context,
	store storage.ExternalStorage,
	name string,
	format Format,
	c codec.Codec,
	opts WriterOptions,
) (*ShardWriter, error) {
	fw, err := util.CreateFile(ctx, store, name, opts.Progress)
	if err != nil {
		return nil, etl.ErrPersistence.GenWithStackByArgs(name, err.Error())
	}
	enc, err := format.NewEncoder(fw, c, opts.FormatOptions)
	if err != nil {
		closeErr := fw.Close()
		deleteErr := store.DeleteFile(ctx, name)
		log.Warn("failed to open shard encoder", zap.String("shard", name),
			zap.Error(err), zap.NamedError("closeErr", closeErr), zap.NamedError("deleteErr", deleteErr))
		if etl.ErrConfiguration.Equal(err) {
			return nil, err
		}
		return nil, etl.ErrPersistence.GenWithStackByArgs(name, err.Error())
	}
	return &ShardWriter{name: name, store: store, file: fw, enc: enc, opts: opts}, nil
}

// Name returns the shard's path inside the store.
func (w *ShardWriter) Name() string { return w.name }

// Records returns the number of records written so far.
func (w *ShardWriter) Records() int64 { return w.records.Load() }

// Schema returns the column kinds seen so far, see record.ObserveSchema.
// Passing it to Open reads the shard back with the values it was written
// with, which text shards cannot otherwise guarantee.
func (w *ShardWriter) Schema() []record.Kind { return w.schema }

// Bytes returns the number of bytes handed to storage so far. The final
// count is only known after Close.
func (w *ShardWriter) Bytes() int64 { return w.file.Written() }

// WriteArrayRecord encodes one record. It fails fast once ctx is done.
func (w *ShardWriter) WriteArrayRecord(ctx context.Context, fields []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.done {
		return etl.ErrPersistence.GenWithStackByArgs(w.name, "write after close")
	}
	rec, err := record.New(fields...)
	if err != nil {
		return etl.ErrPersistence.GenWithStackByArgs(w.name, err.Error())
	}
	if err := w.enc.Encode(rec); err != nil {
		return etl.ErrPersistence.GenWithStackByArgs(w.name, err.Error())
	}
	w.schema = record.ObserveSchema(w.schema, rec)
	w.records.Add(1)
	w.opts.Progress.UpdateRecords(1)
	return nil
}

// Close flushes the encoder and closes the file. The storage writer is
// closed even when the flush fails.
func (w *ShardWriter) Close(context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return etl.ErrPersistence.GenWithStackByArgs(w.name, encErr.Error())
	}
	if fileErr != nil {
		return etl.ErrPersistence.GenWithStackByArgs(w.name, fileErr.Error())
	}
	return nil
}

// Abort closes the file and removes whatever was written.
func (w *ShardWriter) Abort(ctx context.Context) error {
	if !w.done {
		w.done = true
		_ = w.enc.Close()
		if err := w.file.Close(); err != nil {
			log.Warn("failed to close aborted shard", zap.String("shard", w.name), zap.Error(err))
		}
	}
	// a fresh context, the task's may already be cancelled
	if err := w.store.DeleteFile(context.WithoutCancel(ctx), w.name); err != nil {
		return etl.ErrPersistence.GenWithStackByArgs(w.name, err.Error())
	}
	return nil
}

// ShardReader decodes the records of one shard.
type ShardReader struct {
	name string
	file storage.ExternalFileReader
	dec  Decoder
}

// Open opens a shard written by format with codec c. schema is an optional
// hint for formats that do not store types.
func Open(
	ctx context.Context,
	store storage.ExternalStorage,
	name string,
	format Format,
	c codec.Codec,
	schema []record.Kind,
) (*ShardReader, error) {
	f, err := store.Open(ctx, name, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "open shard %s", name)
	}
	dec, err := format.NewDecoder(f, c, schema)
	if err != nil {
		_ = f.Close()
		return nil, errors.Annotatef(err, "read shard %s", name)
	}
	return &ShardReader{name: name, file: f, dec: dec}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *ShardReader) Next() (record.Record, error) {
	rec, err := r.dec.Decode()
	if err == io.EOF {
		return rec, io.EOF
	}
	if err != nil {
		return rec, errors.Annotatef(err, "read shard %s", r.name)
	}
	return rec, nil
}

func (r *ShardReader) Close() error {
	decErr := r.dec.Close()
	if err := r.file.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(decErr)
}

// ReadAll decodes every record of a shard.
func ReadAll(
	ctx context.Context,
	store storage.ExternalStorage,
	name string,
	format Format,
	c codec.Codec,
	schema []record.Kind,
) ([]record.Record, error) {
	r, err := Open(ctx, store, name, format, c, schema)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []record.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
