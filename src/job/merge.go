package job

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"path"
	"sort"

	"dataTransfer/src/config"
	"dataTransfer/src/etl"
	"dataTransfer/src/loader"
	"dataTransfer/src/record"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type mergeResult struct {
	Name    string
	Records int64
	Bytes   int64
}

func mergeError(format string, args ...any) error {
	return etl.ErrMerge.GenWithStackByArgs(fmt.Sprintf(format, args...))
}

// shardInput is one file feeding the merge and the schema it was written with.
type shardInput struct {
	name   string
	schema []record.Kind
}

// merge combines the finalized shards into part-r-00000 ordered by the sort
// key. Shards are removed afterwards unless output.keep_shards is set.
func (j *Job) merge(ctx context.Context, tasks []TaskResult) (*mergeResult, error) {
	shards := shardsInOrder(tasks)
	final := MergedName(j.Suffix())
	tmp := TempName(j.id, final)
	key := j.cfg.Output.SortKey

	inputs := shards
	if j.cfg.Output.Merge != config.MergeConcat {
		var err error
		if inputs, err = j.sortRuns(ctx, shards, key); err != nil {
			return nil, err
		}
	}

	names := make([]string, len(inputs))
	readers := make([]*loader.ShardReader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for i, in := range inputs {
		r, err := loader.Open(ctx, j.store, in.name, j.format, j.codec, in.schema)
		if err != nil {
			return nil, mergeError("open %s: %v", in.name, err)
		}
		readers = append(readers, r)
		names[i] = in.name
	}

	w, err := loader.Create(ctx, j.store, tmp, j.format, j.codec, loader.WriterOptions{
		FormatOptions: j.cfg.FormatOptions(),
	})
	if err != nil {
		return nil, mergeError("create %s: %v", final, err)
	}

	if j.cfg.Output.Merge == config.MergeConcat {
		err = concatShards(ctx, readers, names, key, w)
	} else {
		err = sortMergeShards(ctx, readers, names, key, w)
	}
	if err != nil {
		if abortErr := w.Abort(ctx); abortErr != nil {
			log.Warn("failed to remove partial merge output", zap.String("file", tmp), zap.Error(abortErr))
		}
		if etl.ErrMerge.Equal(err) {
			return nil, err
		}
		return nil, mergeError("%v", err)
	}
	if err := w.Close(ctx); err != nil {
		return nil, mergeError("close %s: %v", final, err)
	}
	if err := j.store.Rename(ctx, tmp, final); err != nil {
		return nil, mergeError("finalize %s: %v", final, err)
	}

	if !j.cfg.Output.KeepShards {
		finalized := make([]string, len(shards))
		for i, in := range shards {
			finalized[i] = in.name
		}
		if err := deleteFiles(ctx, j.store, finalized, j.cfg.Job.Threads); err != nil {
			log.Warn("failed to remove merged shards", zap.String("job", j.id), zap.Error(err))
		}
	}
	log.Info("shards merged", zap.String("job", j.id), zap.String("mode", j.cfg.Output.Merge),
		zap.Int("shards", len(shards)), zap.String("output", final), zap.Int64("records", w.Records()))
	return &mergeResult{Name: final, Records: w.Records(), Bytes: w.Bytes()}, nil
}

// sortRuns returns inputs that are each ordered by the sort key. A shard
// already in order is used as is. The others are sorted in memory, one shard
// per worker, and spilled as runs into the job's temporary directory.
func (j *Job) sortRuns(ctx context.Context, shards []shardInput, key int) ([]shardInput, error) {
	runs := make([]shardInput, len(shards))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(j.cfg.Job.Threads, 1))
	for i, in := range shards {
		eg.Go(func() error {
			run, err := j.sortShard(egCtx, in, key)
			runs[i] = run
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (j *Job) sortShard(ctx context.Context, in shardInput, key int) (shardInput, error) {
	recs, err := loader.ReadAll(ctx, j.store, in.name, j.format, j.codec, in.schema)
	if err != nil {
		return in, mergeError("read %s: %v", in.name, err)
	}
	keys := make([]any, len(recs))
	ordered := true
	for pos, rec := range recs {
		k, err := sortKey(rec, key, in.name, int64(pos))
		if err != nil {
			return in, err
		}
		keys[pos] = k
		if pos > 0 && record.Compare(keys[pos-1], k) > 0 {
			ordered = false
		}
	}
	if ordered {
		return in, nil
	}

	order := make([]int, len(recs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return record.Compare(keys[order[a]], keys[order[b]]) < 0
	})

	run := shardInput{name: TempName(j.id, "sorted-"+path.Base(in.name)), schema: in.schema}
	w, err := loader.Create(ctx, j.store, run.name, j.format, j.codec, loader.WriterOptions{
		FormatOptions: j.cfg.FormatOptions(),
	})
	if err != nil {
		return in, mergeError("create %s: %v", run.name, err)
	}
	for _, i := range order {
		if err := w.WriteArrayRecord(ctx, recs[i].Fields); err != nil {
			_ = w.Abort(ctx)
			return in, mergeError("spill %s: %v", run.name, err)
		}
	}
	if err := w.Close(ctx); err != nil {
		return in, mergeError("close %s: %v", run.name, err)
	}
	log.Debug("shard sorted", zap.String("job", j.id), zap.String("shard", in.name),
		zap.String("run", run.name), zap.Int("records", len(recs)))
	return run, nil
}

func sortKey(rec record.Record, key int, shard string, pos int64) (any, error) {
	if key >= len(rec.Fields) {
		return nil, mergeError("record %d of %s has %d fields, sort key is field %d",
			pos, shard, len(rec.Fields), key)
	}
	return rec.Fields[key], nil
}

// concatShards appends shards in partition order and checks that the sort
// key never decreases.
func concatShards(ctx context.Context, readers []*loader.ShardReader, shards []string, key int, w etl.RecordSink) error {
	var last any
	first := true
	for i, r := range readers {
		for pos := int64(0); ; pos++ {
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Trace(err)
			}
			k, err := sortKey(rec, key, shards[i], pos)
			if err != nil {
				return err
			}
			if !first && record.Compare(k, last) < 0 {
				return mergeError("%s record %d: key %v sorts before %v; partitions are not in key order",
					shards[i], pos, k, last)
			}
			first = false
			last = k
			if err := w.WriteArrayRecord(ctx, rec.Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

type mergeItem struct {
	rec   record.Record
	key   any
	shard int
	pos   int64
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(a, b int) bool {
	if c := record.Compare(h[a].key, h[b].key); c != 0 {
		return c < 0
	}
	if h[a].shard != h[b].shard {
		return h[a].shard < h[b].shard
	}
	return h[a].pos < h[b].pos
}

func (h mergeHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return item
}

// sortMergeShards is a k-way merge on the sort key over inputs that are each
// already ordered by it. Equal keys keep shard order, then position within
// the shard.
func sortMergeShards(ctx context.Context, readers []*loader.ShardReader, shards []string, key int, w etl.RecordSink) error {
	h := make(mergeHeap, 0, len(readers))
	next := func(shard int, pos int64) (*mergeItem, error) {
		rec, err := readers[shard].Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		k, err := sortKey(rec, key, shards[shard], pos)
		if err != nil {
			return nil, err
		}
		return &mergeItem{rec: rec, key: k, shard: shard, pos: pos}, nil
	}

	for i := range readers {
		item, err := next(i, 0)
		if err != nil {
			return err
		}
		if item != nil {
			h = append(h, item)
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		top := h[0]
		if err := w.WriteArrayRecord(ctx, top.rec.Fields); err != nil {
			return err
		}
		item, err := next(top.shard, top.pos+1)
		if err != nil {
			return err
		}
		if item == nil {
			heap.Pop(&h)
			continue
		}
		h[0] = item
		heap.Fix(&h, 0)
	}
	return nil
}
