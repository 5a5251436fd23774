// Package synthetic generates rows instead of reading them. The synthetic
// extractor derives columns from a CREATE TABLE statement, the counter
// extractor emits the row number in three kinds. Both pair with the range
// partitioner.
package synthetic

import (
	"context"
	"math/rand"
	"strconv"

	"dataTransfer/src/etl"

	"github.com/pingcap/errors"
)

const (
	// OptionDDLFile names a file holding the CREATE TABLE statement.
	OptionDDLFile = "ddl_file"
	// OptionDDL holds the CREATE TABLE statement inline.
	OptionDDL = "ddl"
	// OptionSeed seeds the generator, default 1.
	OptionSeed = "seed"
)

func rangeOf(p etl.Partition) (*etl.RangePartition, error) {
	rp, ok := p.(*etl.RangePartition)
	if !ok {
		return nil, etl.ConfigErrorf("partition %s is %T, want a range partition", p, p)
	}
	return rp, nil
}

// SpecsFromOptions loads the column specs named by the ddl or ddl_file
// option.
func SpecsFromOptions(opts etl.Options) ([]*ColumnSpec, error) {
	ddl, err := opts.String(OptionDDL, "")
	if err != nil {
		return nil, err
	}
	var specs []*ColumnSpec
	if ddl != "" {
		specs, err = ParseSpecs(ddl)
	} else {
		path, pathErr := opts.String(OptionDDLFile, "")
		if pathErr != nil {
			return nil, pathErr
		}
		if path == "" {
			return nil, etl.ConfigErrorf("option %s or %s is required", OptionDDL, OptionDDLFile)
		}
		specs, err = LoadSpecs(path)
	}
	if err != nil {
		return nil, etl.ConfigErrorf("column specs: %v", err)
	}
	if len(specs) == 0 {
		return nil, etl.ConfigErrorf("table has no columns")
	}
	return specs, nil
}

// Extractor writes one generated row per row number of a RangePartition.
// The rows of a partition depend only on the seed and the partition bounds.
type Extractor struct{}

func (Extractor) Extract(ctx context.Context, opts etl.Options, p etl.Partition, sink etl.RecordSink) error {
	rp, err := rangeOf(p)
	if err != nil {
		return err
	}
	specs, err := SpecsFromOptions(opts)
	if err != nil {
		return err
	}
	seed, err := opts.Int64(OptionSeed, 1)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed ^ rp.Lower))
	row := make([]any, 0, len(specs))
	for i, n := int64(0), rp.Len(); i < n; i++ {
		row = GenerateRow(row[:0], specs, rp.Lower+i, rng)
		if err := sink.WriteArrayRecord(ctx, row); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// CounterExtractor writes [i, float64(i), "i"] for every row number i of a
// RangePartition.
type CounterExtractor struct{}

func (CounterExtractor) Extract(ctx context.Context, _ etl.Options, p etl.Partition, sink etl.RecordSink) error {
	rp, err := rangeOf(p)
	if err != nil {
		return err
	}
	for i, n := int64(0), rp.Len(); i < n; i++ {
		v := rp.Lower + i
		if err := sink.WriteArrayRecord(ctx, []any{v, float64(v), strconv.FormatInt(v, 10)}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func init() {
	etl.RegisterExtractor("synthetic", func() etl.Extractor { return Extractor{} })
	etl.RegisterExtractor("counter", func() etl.Extractor { return CounterExtractor{} })
}
