package job

import (
	"fmt"
	"io"
	"strings"
	"time"

	"dataTransfer/src/record"

	"github.com/docker/go-units"
)

// State is a job's position in its lifecycle.
type State int

const (
	Configured State = iota
	Partitioned
	Running
	Merging
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Configured:
		return "CONFIGURED"
	case Partitioned:
		return "PARTITIONED"
	case Running:
		return "RUNNING"
	case Merging:
		return "MERGING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Done || s == Failed }

var transitions = map[State][]State{
	Configured:  {Partitioned, Failed},
	Partitioned: {Running, Done, Failed},
	Running:     {Merging, Done, Failed},
	Merging:     {Done, Failed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskResult is the outcome of one partition's extraction.
type TaskResult struct {
	Index     int
	Partition string
	// Shard is the finalized shard name, empty when the task failed.
	Shard string
	// Schema holds the kinds the shard was written with, for reading it back.
	Schema  []record.Kind
	Records int64
	Bytes   int64
	Elapsed time.Duration
	// Skipped is set when the task was not started, or was interrupted,
	// because the job was cancelled.
	Skipped bool
	Err     error
}

// Report summarizes a job run.
type Report struct {
	JobID      string
	State      State
	Partitions int
	Tasks      []TaskResult
	// Outputs are the files holding the job's result: the merged file, or
	// the finalized shards when merging is disabled.
	Outputs []string
	Records int64
	Bytes   int64
	Elapsed time.Duration
}

// Succeeded returns the tasks that produced a finalized shard.
func (r *Report) Succeeded() []TaskResult {
	var out []TaskResult
	for _, t := range r.Tasks {
		if t.Err == nil {
			out = append(out, t)
		}
	}
	return out
}

// Failed returns the tasks that did not produce a shard.
func (r *Report) Failed() []TaskResult {
	var out []TaskResult
	for _, t := range r.Tasks {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// PrintSummary writes a human readable summary.
func (r *Report) PrintSummary(w io.Writer) {
	throughput := 0.0
	if r.Elapsed.Seconds() > 0 {
		throughput = float64(r.Bytes) / r.Elapsed.Seconds()
	}

	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Job: %s\n", r.JobID)
	fmt.Fprintf(w, "  State: %s\n", r.State)
	fmt.Fprintf(w, "  Partitions: %d (%d failed)\n", r.Partitions, len(r.Failed()))
	fmt.Fprintf(w, "  Records: %d\n", r.Records)
	fmt.Fprintf(w, "  Bytes: %s\n", units.BytesSize(float64(r.Bytes)))
	fmt.Fprintf(w, "  Throughput: %s/s\n", units.BytesSize(throughput))
	fmt.Fprintf(w, "  Elapsed: %s\n", r.Elapsed.Round(time.Millisecond))
	if len(r.Outputs) > 0 {
		fmt.Fprintf(w, "  Outputs: %s\n", strings.Join(r.Outputs, ", "))
	}
	for _, t := range r.Failed() {
		if t.Skipped {
			fmt.Fprintf(w, "  Skipped %s\n", t.Partition)
			continue
		}
		fmt.Fprintf(w, "  Failed %s: %v\n", t.Partition, t.Err)
	}
}
