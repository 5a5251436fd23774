// Package etl holds the contracts between the pluggable pipeline strategies:
// how a job is split into partitions, how a partition's rows are pulled, and
// where they are pushed.
package etl

import (
	"context"
	"encoding"
	"fmt"
)

// Partition describes one independently extractable slice of the source.
// It crosses from the coordinator to a task only through its binary form,
// so it must round-trip through MarshalBinary/UnmarshalBinary.
type Partition interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
	fmt.Stringer
}

// Partitioner splits a job into partitions covering the whole source.
// It must be deterministic for the same options and must not touch the sink.
type Partitioner interface {
	Partition(ctx context.Context, opts Options) ([]Partition, error)
	// NewPartition returns an empty partition to decode into.
	NewPartition() Partition
}

// Extractor pulls the rows of one partition and pushes them into sink one
// record at a time.
type Extractor interface {
	Extract(ctx context.Context, opts Options, partition Partition, sink RecordSink) error
}

// RecordSink is the write side an extractor pushes into. Each call may block
// on downstream I/O.
type RecordSink interface {
	WriteArrayRecord(ctx context.Context, fields []any) error
}

// CopyPartition returns an independent copy of p decoded through its binary
// form, as a task running in another process would receive it.
func CopyPartition(p Partition, newPartition func() Partition) (Partition, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := newPartition()
	if err := out.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return out, nil
}
