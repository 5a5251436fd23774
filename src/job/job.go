// Package job coordinates one transfer: it partitions the source, runs one
// extraction task per partition into its own shard, and merges the shards
// into the final output.
package job

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"dataTransfer/src/codec"
	"dataTransfer/src/config"
	"dataTransfer/src/etl"
	"dataTransfer/src/loader"
	"dataTransfer/src/util"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/tidb/br/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener observes a job. Calls for different tasks may arrive
// concurrently.
type Listener interface {
	StateChanged(jobID string, from, to State)
	TaskFinished(jobID string, result TaskResult)
}

// Option customizes a Job.
type Option func(*Job)

// WithListener registers l for state transitions and task results.
func WithListener(l Listener) Option {
	return func(j *Job) { j.listeners = append(j.listeners, l) }
}

// WithProgress renders a progress bar to w while tasks run.
func WithProgress(w io.Writer) Option {
	return func(j *Job) { j.progressOut = w }
}

// WithJobID overrides the generated job id.
func WithJobID(id string) Option {
	return func(j *Job) { j.id = id }
}

// Job is one configured transfer. A Job runs at most once.
type Job struct {
	id    string
	cfg   *config.Config
	store storage.ExternalStorage

	partitioner  etl.Partitioner
	newExtractor etl.ExtractorFactory
	format       loader.Format
	codec        codec.Codec
	opts         etl.Options

	listeners   []Listener
	progressOut io.Writer

	mu    sync.Mutex
	state State
}

// New resolves the job's strategies. Unknown names and incompatible
// settings fail with ErrConfiguration.
func New(cfg *config.Config, store storage.ExternalStorage, opts ...Option) (*Job, error) {
	if cfg == nil {
		return nil, etl.ConfigErrorf("missing job configuration")
	}
	if store == nil {
		return nil, etl.ConfigErrorf("missing output storage")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	newPartitioner, err := etl.LookupPartitioner(cfg.Job.Partitioner)
	if err != nil {
		return nil, err
	}
	newExtractor, err := etl.LookupExtractor(cfg.Job.Extractor)
	if err != nil {
		return nil, err
	}
	format, err := loader.GetFormat(cfg.Job.Loader)
	if err != nil {
		return nil, err
	}
	c, err := cfg.Codec()
	if err != nil {
		return nil, etl.ConfigErrorf("%v", err)
	}

	j := &Job{
		id:           uuid.NewString(),
		cfg:          cfg,
		store:        store,
		partitioner:  newPartitioner(),
		newExtractor: newExtractor,
		format:       format,
		codec:        c,
		opts:         cfg.EtlOptions(),
		state:        Configured,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Suffix is the file suffix of this job's shards and merged output.
func (j *Job) Suffix() string { return j.format.Suffix(j.codec) }

func (j *Job) transition(to State) {
	j.mu.Lock()
	from := j.state
	if !canTransition(from, to) {
		j.mu.Unlock()
		panic("job: illegal transition " + from.String() + " -> " + to.String())
	}
	j.state = to
	j.mu.Unlock()

	log.Info("job state changed", zap.String("job", j.id),
		zap.Stringer("from", from), zap.Stringer("to", to))
	for _, l := range j.listeners {
		l.StateChanged(j.id, from, to)
	}
}

func (j *Job) fail(report *Report, start time.Time, err error) (*Report, error) {
	j.transition(Failed)
	report.State = Failed
	report.Elapsed = time.Since(start)
	log.Error("job failed", zap.String("job", j.id), zap.Error(err))
	return report, err
}

// Run executes the job. The report is returned even when the job fails.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	if j.State() != Configured {
		return nil, errors.Errorf("job %s already ran", j.id)
	}
	start := time.Now()
	report := &Report{JobID: j.id}

	parts, err := j.partitioner.Partition(ctx, j.opts)
	if err != nil {
		if !etl.IsClassified(err) {
			err = etl.ErrExtraction.GenWithStackByArgs("planning", err.Error())
		}
		return j.fail(report, start, err)
	}
	report.Partitions = len(parts)
	j.transition(Partitioned)
	log.Info("job partitioned", zap.String("job", j.id), zap.Int("partitions", len(parts)))

	if len(parts) == 0 {
		j.transition(Done)
		report.State = Done
		report.Elapsed = time.Since(start)
		return report, nil
	}

	j.transition(Running)
	progress := util.NewProgressLogger(len(parts), "transferring", time.Second, j.progressOut)
	report.Tasks = j.runTasks(ctx, parts, progress)
	progress.Stop()
	defer removeTemporary(context.WithoutCancel(ctx), j.store, j.id)

	succeeded := report.Succeeded()
	if failed := report.Failed(); len(failed) > 0 {
		if !j.cfg.Job.AllowPartial || len(succeeded) == 0 {
			return j.fail(report, start, firstFailure(failed))
		}
		log.Warn("continuing with partial output", zap.String("job", j.id),
			zap.Int("failed", len(failed)), zap.Int("succeeded", len(succeeded)))
	}

	if j.cfg.Output.Merge == config.MergeNone {
		for _, t := range succeeded {
			report.Outputs = append(report.Outputs, t.Shard)
			report.Records += t.Records
			report.Bytes += t.Bytes
		}
		j.transition(Done)
		report.State = Done
		report.Elapsed = time.Since(start)
		return report, nil
	}

	j.transition(Merging)
	merged, err := j.merge(ctx, succeeded)
	if err != nil {
		return j.fail(report, start, err)
	}
	report.Outputs = []string{merged.Name}
	report.Records = merged.Records
	report.Bytes = merged.Bytes

	j.transition(Done)
	report.State = Done
	report.Elapsed = time.Since(start)
	log.Info("job finished", zap.String("job", j.id), zap.Int64("records", report.Records),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// firstFailure prefers a task's own error over the cancellations it caused.
func firstFailure(failed []TaskResult) error {
	for _, t := range failed {
		if !t.Skipped {
			return t.Err
		}
	}
	return failed[0].Err
}

func (j *Job) runTasks(ctx context.Context, parts []etl.Partition, progress *util.ProgressLogger) []TaskResult {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	abort := j.cfg.Job.FailurePolicy != config.FailureContinue

	results := make([]TaskResult, len(parts))
	var once sync.Once
	var eg errgroup.Group
	eg.SetLimit(max(j.cfg.Job.Threads, 1))
	for i, p := range parts {
		eg.Go(func() error {
			if err := taskCtx.Err(); err != nil {
				results[i] = TaskResult{Index: i, Partition: p.String(), Skipped: true,
					Err: etl.ErrExtraction.GenWithStackByArgs(p.String(), "skipped: "+err.Error())}
			} else {
				results[i] = j.runTask(taskCtx, i, p, progress)
			}
			progress.UpdateTasks(1)
			if err := results[i].Err; err != nil && abort {
				once.Do(func() {
					log.Warn("aborting remaining tasks", zap.String("job", j.id), zap.Int("index", i), zap.Error(err))
					cancel()
				})
			}
			for _, l := range j.listeners {
				l.TaskFinished(j.id, results[i])
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (j *Job) runTask(ctx context.Context, index int, p etl.Partition, progress *util.ProgressLogger) (res TaskResult) {
	start := time.Now()
	res = TaskResult{Index: index, Partition: p.String()}
	defer func() { res.Elapsed = time.Since(start) }()

	part, err := etl.CopyPartition(p, j.partitioner.NewPartition)
	if err != nil {
		res.Err = etl.ErrExtraction.GenWithStackByArgs(p.String(), "decode partition: "+err.Error())
		return res
	}

	final := ShardName(index, j.Suffix())
	tmp := TempName(j.id, final)
	w, err := loader.Create(ctx, j.store, tmp, j.format, j.codec, loader.WriterOptions{
		FormatOptions: j.cfg.FormatOptions(),
		Progress:      progress,
	})
	if err != nil {
		res.Err = err
		return res
	}

	if err := j.newExtractor().Extract(ctx, j.opts, part, w); err != nil {
		if abortErr := w.Abort(ctx); abortErr != nil {
			log.Warn("failed to remove partial shard", zap.String("shard", tmp), zap.Error(abortErr))
		}
		if !etl.IsClassified(err) {
			err = etl.ErrExtraction.GenWithStackByArgs(part.String(), err.Error())
		}
		res.Err = err
		res.Records = w.Records()
		res.Skipped = ctx.Err() != nil
		log.Warn("task failed", zap.String("job", j.id), zap.Int("index", index),
			zap.Stringer("partition", part), zap.Int64("records", res.Records), zap.Error(err))
		return res
	}
	if err := w.Close(ctx); err != nil {
		_ = j.store.DeleteFile(context.WithoutCancel(ctx), tmp)
		res.Err = err
		return res
	}
	if err := j.store.Rename(ctx, tmp, final); err != nil {
		_ = j.store.DeleteFile(context.WithoutCancel(ctx), tmp)
		res.Err = etl.ErrPersistence.GenWithStackByArgs(final, err.Error())
		return res
	}

	res.Shard = final
	res.Schema = w.Schema()
	res.Records = w.Records()
	res.Bytes = w.Bytes()
	log.Info("task finished", zap.String("job", j.id), zap.Int("index", index),
		zap.Stringer("partition", part), zap.String("shard", final),
		zap.Int64("records", res.Records), zap.Int64("bytes", res.Bytes))
	return res
}

// shardsInOrder returns the finalized shards by partition index.
func shardsInOrder(tasks []TaskResult) []shardInput {
	sorted := append([]TaskResult(nil), tasks...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Index < sorted[b].Index })
	inputs := make([]shardInput, len(sorted))
	for i, t := range sorted {
		inputs[i] = shardInput{name: t.Shard, schema: t.Schema}
	}
	return inputs
}
