package etl

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pingcap/errors"
)

// RangePartitionSize is the encoded length of a RangePartition.
const RangePartitionSize = 8 + 8 + 8 + 1

// RangePartition is the integer range [Lower, Upper), or [Lower, Upper] when
// LastInclusive is set.
type RangePartition struct {
	Index         int64
	Lower         int64
	Upper         int64
	LastInclusive bool
}

// Contains reports whether v falls inside the range.
func (p *RangePartition) Contains(v int64) bool {
	if v < p.Lower {
		return false
	}
	if p.LastInclusive {
		return v <= p.Upper
	}
	return v < p.Upper
}

// Len returns the number of integers covered.
func (p *RangePartition) Len() int64 {
	n := p.Upper - p.Lower
	if p.LastInclusive {
		n++
	}
	if n < 0 {
		return 0
	}
	return n
}

func (p *RangePartition) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RangePartitionSize)
	binary.BigEndian.PutUint64(buf[0:], uint64(p.Index))
	binary.BigEndian.PutUint64(buf[8:], uint64(p.Lower))
	binary.BigEndian.PutUint64(buf[16:], uint64(p.Upper))
	if p.LastInclusive {
		buf[24] = 1
	}
	return buf, nil
}

func (p *RangePartition) UnmarshalBinary(data []byte) error {
	if len(data) != RangePartitionSize {
		return errors.Errorf("range partition: want %d bytes, got %d", RangePartitionSize, len(data))
	}
	if data[24] > 1 {
		return errors.Errorf("range partition: bad inclusive flag %d", data[24])
	}
	p.Index = int64(binary.BigEndian.Uint64(data[0:]))
	p.Lower = int64(binary.BigEndian.Uint64(data[8:]))
	p.Upper = int64(binary.BigEndian.Uint64(data[16:]))
	p.LastInclusive = data[24] == 1
	return nil
}

func (p *RangePartition) String() string {
	closing := ")"
	if p.LastInclusive {
		closing = "]"
	}
	return fmt.Sprintf("#%d[%d, %d%s", p.Index, p.Lower, p.Upper, closing)
}

// SplitRange divides [lower, upper) into at most n contiguous ranges whose
// sizes differ by at most one. It yields fewer ranges when the span is
// shorter than n and none when the span is empty.
func SplitRange(lower, upper, n int64) []*RangePartition {
	if upper <= lower || n <= 0 {
		return nil
	}
	span := upper - lower
	if n > span {
		n = span
	}
	size, rem := span/n, span%n
	parts := make([]*RangePartition, 0, n)
	start := lower
	for i := int64(0); i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		parts = append(parts, &RangePartition{Index: i, Lower: start, Upper: end})
		start = end
	}
	return parts
}

// RangePartitioner splits a numbered row space into RangePartitions.
//
// Options:
//
//	rows        total number of rows (required)
//	partitions  number of partitions, default 1
//	start       first row number, default 0
type RangePartitioner struct{}

func (RangePartitioner) NewPartition() Partition { return &RangePartition{} }

func (RangePartitioner) Partition(_ context.Context, opts Options) ([]Partition, error) {
	rows, err := opts.MustInt64("rows")
	if err != nil {
		return nil, err
	}
	n, err := opts.Int64("partitions", 1)
	if err != nil {
		return nil, err
	}
	start, err := opts.Int64("start", 0)
	if err != nil {
		return nil, err
	}
	switch {
	case rows < 0:
		return nil, ConfigErrorf("option rows must not be negative, got %d", rows)
	case n <= 0:
		return nil, ConfigErrorf("option partitions must be positive, got %d", n)
	case start > math.MaxInt64-rows:
		return nil, ConfigErrorf("row range starting at %d overflows", start)
	}

	ranges := SplitRange(start, start+rows, n)
	out := make([]Partition, len(ranges))
	for i, r := range ranges {
		out[i] = r
	}
	return out, nil
}

func init() {
	RegisterPartitioner("range", func() Partitioner { return RangePartitioner{} })
}
