package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"dataTransfer/src/codec"
	"dataTransfer/src/config"
	"dataTransfer/src/etl"
	"dataTransfer/src/job"
	"dataTransfer/src/loader"
	"dataTransfer/src/source/synthetic"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/br/pkg/storage"
)

// ShowFiles lists the job output under output.path, or every file when all is set.
func ShowFiles(ctx context.Context, cfg *config.Config, all bool, w io.Writer) error {
	store, err := config.GetStore(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	//nolint: errcheck
	defer store.Close()

	var count, total int64
	err = store.WalkDir(ctx, &storage.WalkOption{}, func(path string, size int64) error {
		if !all && !job.IsOutputFile(path) {
			return nil
		}
		count++
		total += size
		fmt.Fprintf(w, "%-48s %10s\n", strings.TrimPrefix(path, "/"), units.BytesSize(float64(size)))
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(w, "%d files, %s\n", count, units.BytesSize(float64(total)))
	return nil
}

// detectFormat picks the format and codec a file was written with from its name.
func detectFormat(name string) (loader.Format, codec.Codec, error) {
	switch {
	case strings.HasSuffix(name, loader.ParquetSuffix):
		f, err := loader.GetFormat("parquet")
		return f, nil, err
	case strings.HasSuffix(name, loader.SequenceSuffix):
		// the sequence header names its codec
		f, err := loader.GetFormat("sequence")
		return f, nil, err
	}
	f, err := loader.GetFormat("text")
	if err != nil {
		return nil, nil, err
	}
	for _, n := range codec.Names() {
		c, err := codec.Get(n)
		if err != nil {
			return nil, nil, err
		}
		if strings.HasSuffix(name, c.Extension()) {
			return f, c, nil
		}
	}
	return f, nil, nil
}

// CatFile prints every record of a shard or merged file, one per line.
func CatFile(ctx context.Context, cfg *config.Config, name string, w io.Writer) error {
	store, err := config.GetStore(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	//nolint: errcheck
	defer store.Close()

	format, c, err := detectFormat(name)
	if err != nil {
		return err
	}
	r, err := loader.Open(ctx, store, name, format, c, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, rec.String()); err != nil {
			return errors.Trace(err)
		}
	}
}

// DeleteOutputFiles removes shards, merged output and leftover temporary
// files, leaving anything else under output.path alone.
func DeleteOutputFiles(ctx context.Context, cfg *config.Config, w io.Writer) error {
	store, err := config.GetStore(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	//nolint: errcheck
	defer store.Close()

	removed, err := job.Cleanup(ctx, store, cfg.Job.Threads)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "removed %d files\n", len(removed))
	return nil
}

// DescribeDDL prints the column specs the synthetic extractor derives from a
// CREATE TABLE file.
func DescribeDDL(path string, w io.Writer) error {
	specs, err := synthetic.LoadSpecs(path)
	if err != nil {
		return err
	}
	return synthetic.DescribeSpecs(w, specs)
}

// DescribeRegistry prints every registered strategy, format and codec.
func DescribeRegistry(w io.Writer) {
	fmt.Fprintf(w, "partitioners: %s\n", strings.Join(etl.Partitioners(), ", "))
	fmt.Fprintf(w, "extractors:   %s\n", strings.Join(etl.Extractors(), ", "))
	fmt.Fprintf(w, "loaders:      %s\n", strings.Join(loader.Formats(), ", "))
	fmt.Fprintf(w, "codecs:       %s\n", strings.Join(codec.Names(), ", "))
}
