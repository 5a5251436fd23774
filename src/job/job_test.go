package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"dataTransfer/src/codec"
	"dataTransfer/src/config"
	"dataTransfer/src/etl"
	"dataTransfer/src/loader"
	"dataTransfer/src/record"
	_ "dataTransfer/src/source/synthetic"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/br/pkg/storage"
	"github.com/stretchr/testify/require"
)

// flakyExtractor behaves like the counter extractor, except that the
// partition with index failIndex fails after three records.
type flakyExtractor struct{ failIndex int64 }

func (e flakyExtractor) Extract(ctx context.Context, _ etl.Options, p etl.Partition, sink etl.RecordSink) error {
	rp := p.(*etl.RangePartition)
	for i := int64(0); i < rp.Len(); i++ {
		if rp.Index == e.failIndex && i == 3 {
			return errors.New("source went away")
		}
		v := rp.Lower + i
		if err := sink.WriteArrayRecord(ctx, []any{v, float64(v), fmt.Sprint(v)}); err != nil {
			return err
		}
	}
	return nil
}

// descendingExtractor writes the partition's row numbers negated, so both
// each shard and the partition order run against the key order.
type descendingExtractor struct{}

func (descendingExtractor) Extract(ctx context.Context, _ etl.Options, p etl.Partition, sink etl.RecordSink) error {
	rp := p.(*etl.RangePartition)
	for i := int64(0); i < rp.Len(); i++ {
		if err := sink.WriteArrayRecord(ctx, []any{-(rp.Lower + i), "x"}); err != nil {
			return err
		}
	}
	return nil
}

// oddStrings look like numbers, bytes or NULL in the text format.
var oddStrings = []string{"007", "1e5", "+5", "99999999999999999999", "-0", "10", "9", "abc", "x'00'", "NULL", ""}

// stringsExtractor writes one of oddStrings next to the row number.
type stringsExtractor struct{}

func (stringsExtractor) Extract(ctx context.Context, _ etl.Options, p etl.Partition, sink etl.RecordSink) error {
	rp := p.(*etl.RangePartition)
	for i := int64(0); i < rp.Len(); i++ {
		v := rp.Lower + i
		if err := sink.WriteArrayRecord(ctx, []any{oddStrings[v%int64(len(oddStrings))], v}); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	etl.RegisterExtractor("test-flaky", func() etl.Extractor { return flakyExtractor{failIndex: 4} })
	etl.RegisterExtractor("test-descending", func() etl.Extractor { return descendingExtractor{} })
	etl.RegisterExtractor("test-strings", func() etl.Extractor { return stringsExtractor{} })
}

func seedOptions() map[string]any {
	return map[string]any{"rows": 90, "partitions": 9, "start": 10}
}

func newConfig(t *testing.T, modify func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Job: config.JobConfig{
			Partitioner: "range",
			Extractor:   "counter",
			Threads:     4,
		},
		Output:  config.OutputConfig{Path: "memory"},
		Options: seedOptions(),
	}
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, config.Normalize(cfg))
	return cfg
}

func newStore(t *testing.T) storage.ExternalStorage {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}

func listFiles(t *testing.T, store storage.ExternalStorage) []string {
	var names []string
	err := store.WalkDir(context.Background(), &storage.WalkOption{}, func(name string, _ int64) error {
		names = append(names, strings.TrimPrefix(name, "/"))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(names)
	return names
}

func runJob(t *testing.T, cfg *config.Config, store storage.ExternalStorage, opts ...Option) (*Job, *Report, error) {
	j, err := New(cfg, store, opts...)
	require.NoError(t, err)
	report, err := j.Run(context.Background())
	require.NotNil(t, report)
	return j, report, err
}

func requireSeedRecords(t *testing.T, recs []record.Record) {
	require.Len(t, recs, 90)
	for i, rec := range recs {
		require.EqualValues(t, 10+i, rec.Fields[0])
	}
}

func TestSeedScenario(t *testing.T) {
	store := newStore(t)
	j, report, err := runJob(t, newConfig(t, nil), store)
	require.NoError(t, err)
	require.Equal(t, Done, j.State())
	require.Equal(t, Done, report.State)
	require.Equal(t, 9, report.Partitions)
	require.Len(t, report.Succeeded(), 9)
	require.EqualValues(t, 90, report.Records)
	require.Equal(t, []string{"part-r-00000"}, report.Outputs)
	require.Equal(t, []string{"part-r-00000"}, listFiles(t, store))

	data, err := store.ReadFile(context.Background(), "part-r-00000")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 90)
	require.Equal(t, "10,10.0,10", lines[0])
	require.Equal(t, "99,99.0,99", lines[89])
	for i, line := range lines {
		require.True(t, strings.HasPrefix(line, fmt.Sprintf("%d,", 10+i)), line)
	}
}

func TestSeedScenarioFormats(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*config.Config)
		output string
	}{
		{"gzip", func(c *config.Config) { c.Output.Compress, c.Output.Codec = true, "gzip" }, "part-r-00000.gz"},
		{"default codec", func(c *config.Config) { c.Output.Compress = true }, "part-r-00000.deflate"},
		{"sequence", func(c *config.Config) { c.Job.Loader = "sequence" }, "part-r-00000.seq"},
		{"compressed sequence", func(c *config.Config) {
			c.Job.Loader, c.Output.Compress, c.Output.Codec = "sequence", true, "zstd"
			c.Sequence.SyncInterval = 7
		}, "part-r-00000.seq"},
		{"parquet", func(c *config.Config) { c.Job.Loader = "parquet" }, "part-r-00000.parquet"},
		{"compressed parquet", func(c *config.Config) {
			c.Job.Loader, c.Output.Compress = "parquet", true
			c.Parquet.RowGroupRows = 4
		}, "part-r-00000.parquet"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			cfg := newConfig(t, tc.modify)
			_, report, err := runJob(t, cfg, store)
			require.NoError(t, err)
			require.Equal(t, []string{tc.output}, report.Outputs)
			require.Equal(t, []string{tc.output}, listFiles(t, store))

			format, err := loader.GetFormat(cfg.Job.Loader)
			require.NoError(t, err)
			c, err := cfg.Codec()
			require.NoError(t, err)
			recs, err := loader.ReadAll(context.Background(), store, tc.output, format, c, nil)
			require.NoError(t, err)
			requireSeedRecords(t, recs)
			require.Equal(t, "10,10.0,10", recs[0].String())
		})
	}
}

func TestMergeNoneKeepsShards(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) { c.Output.Merge = config.MergeNone })
	_, report, err := runJob(t, cfg, store)
	require.NoError(t, err)
	require.Len(t, report.Outputs, 9)
	require.Equal(t, ShardName(0, ""), report.Outputs[0])
	require.EqualValues(t, 90, report.Records)

	// every row lands in exactly one shard
	seen := map[int64]int{}
	for _, name := range report.Outputs {
		recs, err := loader.ReadAll(context.Background(), store, name, loader.TextFormat{}, nil, nil)
		require.NoError(t, err)
		for _, rec := range recs {
			seen[rec.Fields[0].(int64)]++
		}
	}
	require.Len(t, seen, 90)
	for k, n := range seen {
		require.Equal(t, 1, n, "row %d", k)
	}
}

func TestKeepShards(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) { c.Output.KeepShards = true })
	_, _, err := runJob(t, cfg, store)
	require.NoError(t, err)
	files := listFiles(t, store)
	require.Len(t, files, 10)
	require.Contains(t, files, "part-m-00008")
	require.Contains(t, files, "part-r-00000")
}

func TestPartialFailure(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) {
		c.Job.Extractor = "test-flaky"
		c.Job.FailurePolicy = config.FailureContinue
	})
	j, report, err := runJob(t, cfg, store)
	require.Error(t, err)
	require.True(t, etl.ErrExtraction.Equal(err))
	require.Contains(t, err.Error(), "source went away")
	require.Equal(t, Failed, j.State())
	require.Equal(t, Failed, report.State)
	require.Empty(t, report.Outputs)

	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, 4, failed[0].Index)
	require.EqualValues(t, 3, failed[0].Records)
	require.False(t, failed[0].Skipped)

	files := listFiles(t, store)
	require.Len(t, files, 8)
	require.NotContains(t, files, "part-m-00004")
	for _, name := range files {
		recs, err := loader.ReadAll(context.Background(), store, name, loader.TextFormat{}, nil, nil)
		require.NoError(t, err)
		require.Len(t, recs, 10)
	}
}

func TestAllowPartial(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) {
		c.Job.Extractor = "test-flaky"
		c.Job.FailurePolicy = config.FailureContinue
		c.Job.AllowPartial = true
	})
	_, report, err := runJob(t, cfg, store)
	require.NoError(t, err)
	require.Equal(t, Done, report.State)
	require.Len(t, report.Failed(), 1)
	require.EqualValues(t, 80, report.Records)

	recs, err := loader.ReadAll(context.Background(), store, "part-r-00000", loader.TextFormat{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, recs, 80)
	for _, rec := range recs {
		k := rec.Fields[0].(int64)
		require.False(t, k >= 50 && k < 60, "row %d of the failed partition was merged", k)
	}
}

func TestAbortPolicySkipsRemainingTasks(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) {
		c.Job.Extractor = "test-flaky"
		c.Job.Threads = 1
	})
	_, report, err := runJob(t, cfg, store)
	require.True(t, etl.ErrExtraction.Equal(err))
	require.Contains(t, err.Error(), "source went away")

	var skipped int
	for _, task := range report.Failed() {
		if task.Skipped {
			skipped++
		}
	}
	require.Equal(t, 4, skipped)
	require.Len(t, report.Succeeded(), 4)
	require.Equal(t, []string{"part-m-00000", "part-m-00001", "part-m-00002", "part-m-00003"}, listFiles(t, store))
}

func TestZeroPartitions(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) { c.Options["rows"] = 0 })
	_, report, err := runJob(t, cfg, store)
	require.NoError(t, err)
	require.Equal(t, Done, report.State)
	require.Zero(t, report.Partitions)
	require.Empty(t, report.Outputs)
	require.Empty(t, listFiles(t, store))
}

func TestConcatRejectsOutOfOrderShards(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) {
		c.Job.Extractor = "test-descending"
		c.Output.Merge = config.MergeConcat
	})
	_, report, err := runJob(t, cfg, store)
	require.True(t, etl.ErrMerge.Equal(err))
	require.Equal(t, Failed, report.State)
	require.NotContains(t, listFiles(t, store), "part-r-00000")
}

func TestSortMergeOrdersKeys(t *testing.T) {
	cfg := newConfig(t, func(c *config.Config) {
		c.Options["start"] = 0
		c.Options["rows"] = 120
		c.Output.SortKey = 2
		c.Output.Merge = config.MergeSort
	})
	store := newStore(t)
	_, _, err := runJob(t, cfg, store)
	require.NoError(t, err)
	schema := []record.Kind{record.KindInt64, record.KindFloat64, record.KindString}
	recs, err := loader.ReadAll(context.Background(), store, "part-r-00000", loader.TextFormat{}, nil, schema)
	require.NoError(t, err)
	require.Len(t, recs, 120)
	// string order, not numeric order
	require.Equal(t, []any{"0", "1", "10", "100"}, []any{
		recs[0].Fields[2], recs[1].Fields[2], recs[2].Fields[2], recs[3].Fields[2],
	})
	for i := 1; i < len(recs); i++ {
		require.LessOrEqual(t, record.Compare(recs[i-1].Fields[2], recs[i].Fields[2]), 0)
	}
}

func TestSortMergeSortsUnorderedShards(t *testing.T) {
	for _, loaderName := range []string{"text", "sequence"} {
		t.Run(loaderName, func(t *testing.T) {
			store := newStore(t)
			cfg := newConfig(t, func(c *config.Config) {
				c.Job.Extractor = "test-descending"
				c.Job.Loader = loaderName
				c.Output.Merge = config.MergeSort
			})
			j, report, err := runJob(t, cfg, store)
			require.NoError(t, err)
			require.Equal(t, Done, j.State())
			require.EqualValues(t, 90, report.Records)
			require.Equal(t, report.Outputs, listFiles(t, store))

			format, err := loader.GetFormat(loaderName)
			require.NoError(t, err)
			recs, err := loader.ReadAll(context.Background(), store, report.Outputs[0], format, nil, nil)
			require.NoError(t, err)
			require.Len(t, recs, 90)
			for i, rec := range recs {
				require.EqualValues(t, -99+i, rec.Fields[0])
			}
		})
	}
}

func TestMergeKeepsNumericLookingStrings(t *testing.T) {
	for _, merge := range []string{config.MergeSort, config.MergeConcat} {
		t.Run(merge, func(t *testing.T) {
			store := newStore(t)
			cfg := newConfig(t, func(c *config.Config) {
				c.Job.Extractor = "test-strings"
				c.Output.Merge = merge
				if merge == config.MergeConcat {
					c.Output.SortKey = 1
				}
			})
			_, _, err := runJob(t, cfg, store)
			require.NoError(t, err)

			schema := []record.Kind{record.KindString, record.KindInt64}
			recs, err := loader.ReadAll(context.Background(), store, "part-r-00000", loader.TextFormat{}, nil, schema)
			require.NoError(t, err)
			require.Len(t, recs, 90)
			for i, rec := range recs {
				v := rec.Fields[1].(int64)
				require.Equal(t, oddStrings[v%int64(len(oddStrings))], rec.Fields[0], "row %d", v)
				if i > 0 && merge == config.MergeSort {
					require.LessOrEqual(t, strings.Compare(recs[i-1].Fields[0].(string), rec.Fields[0].(string)), 0)
				}
			}
		})
	}
}

func TestConcatMerge(t *testing.T) {
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) { c.Output.Merge = config.MergeConcat })
	_, _, err := runJob(t, cfg, store)
	require.NoError(t, err)
	recs, err := loader.ReadAll(context.Background(), store, "part-r-00000", loader.TextFormat{}, nil, nil)
	require.NoError(t, err)
	requireSeedRecords(t, recs)
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
	tasks       []int
}

func (l *recordingListener) StateChanged(_ string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, from.String()+"->"+to.String())
}

func (l *recordingListener) TaskFinished(_ string, result TaskResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, result.Index)
}

func TestListener(t *testing.T) {
	l := &recordingListener{}
	j, report, err := runJob(t, newConfig(t, nil), newStore(t), WithListener(l), WithJobID("job-1"))
	require.NoError(t, err)
	require.Equal(t, "job-1", j.ID())
	require.Equal(t, "job-1", report.JobID)
	require.Equal(t, []string{
		"CONFIGURED->PARTITIONED",
		"PARTITIONED->RUNNING",
		"RUNNING->MERGING",
		"MERGING->DONE",
	}, l.transitions)
	sort.Ints(l.tasks)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, l.tasks)

	_, err = j.Run(context.Background())
	require.Error(t, err)
}

func TestInvalidConfiguration(t *testing.T) {
	store := newStore(t)

	_, err := New(nil, store)
	require.True(t, etl.ErrConfiguration.Equal(err))

	cfg := newConfig(t, func(c *config.Config) { c.Job.Partitioner = "" })
	_, err = New(cfg, store)
	require.True(t, etl.ErrConfiguration.Equal(err))
	require.Contains(t, err.Error(), "job.partitioner is required")

	cfg = newConfig(t, func(c *config.Config) { c.Job.Extractor = "nope" })
	_, err = New(cfg, store)
	require.True(t, etl.ErrConfiguration.Equal(err))

	cfg = newConfig(t, func(c *config.Config) { c.Output.Compress, c.Output.Codec = true, "rar" })
	_, err = New(cfg, store)
	require.True(t, etl.ErrConfiguration.Equal(err))

	cfg = newConfig(t, func(c *config.Config) { delete(c.Options, "rows") })
	_, report, err := runJob(t, cfg, store)
	require.True(t, etl.ErrConfiguration.Equal(err))
	require.Equal(t, Failed, report.State)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cfg := newConfig(t, func(c *config.Config) { c.Output.KeepShards = true })
	_, _, err := runJob(t, cfg, store)
	require.NoError(t, err)
	require.NoError(t, store.WriteFile(ctx, "notes.txt", []byte("keep me")))
	require.NoError(t, store.WriteFile(ctx, TempName("stale", ShardName(3, ".gz")), []byte("x")))

	removed, err := Cleanup(ctx, store, 2)
	require.NoError(t, err)
	require.Len(t, removed, 11)
	require.Equal(t, []string{"notes.txt"}, listFiles(t, store))
}

func TestNaming(t *testing.T) {
	require.Equal(t, "part-m-00003.gz", ShardName(3, ".gz"))
	require.Equal(t, "part-r-00000.seq", MergedName(".seq"))
	require.True(t, IsOutputFile("part-m-00042.parquet"))
	require.True(t, IsOutputFile("/_temporary/abc/part-m-00000"))
	require.False(t, IsOutputFile("part-x-00000"))

	gz, err := codec.Get("gzip")
	require.NoError(t, err)
	j, err := New(newConfig(t, nil), newStore(t))
	require.NoError(t, err)
	require.Equal(t, "", j.Suffix())
	require.Equal(t, ".gz", loader.TextFormat{}.Suffix(gz))
}

func TestPrintSummary(t *testing.T) {
	_, report, err := runJob(t, newConfig(t, nil), newStore(t))
	require.NoError(t, err)
	var sb strings.Builder
	report.PrintSummary(&sb)
	require.Contains(t, sb.String(), "State: DONE")
	require.Contains(t, sb.String(), "Records: 90")
	require.Contains(t, sb.String(), "Outputs: part-r-00000")
}
