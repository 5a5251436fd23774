package util

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/br/pkg/storage"
)

// DefaultWriterConcurrency is the multipart upload concurrency used for
// shard writers on object stores.
const DefaultWriterConcurrency = 8

// FileWriter adapts a storage writer to io.Writer, counting the bytes that
// reach storage and reporting them to the progress logger.
type FileWriter struct {
	ctx      context.Context
	writer   storage.ExternalFileWriter
	progress *ProgressLogger
	written  int64
}

// NewFileWriter wraps w. All writes are issued with ctx.
func NewFileWriter(ctx context.Context, w storage.ExternalFileWriter, progress *ProgressLogger) *FileWriter {
	return &FileWriter{ctx: ctx, writer: w, progress: progress}
}

// CreateFile creates name in store and wraps the writer.
func CreateFile(
	ctx context.Context,
	store storage.ExternalStorage,
	name string,
	progress *ProgressLogger,
) (*FileWriter, error) {
	w, err := store.Create(ctx, name, &storage.WriterOption{
		Concurrency: DefaultWriterConcurrency,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewFileWriter(ctx, w, progress), nil
}

func (fw *FileWriter) Write(p []byte) (int, error) {
	n, err := fw.writer.Write(fw.ctx, p)
	fw.written += int64(n)
	fw.progress.UpdateBytes(int64(n))
	return n, err
}

// Written returns the number of bytes handed to storage so far.
func (fw *FileWriter) Written() int64 {
	return fw.written
}

func (fw *FileWriter) Close() error {
	return errors.Trace(fw.writer.Close(fw.ctx))
}
