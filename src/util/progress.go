package util

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
)

const (
	progressPrefixWidth = 60
	progressBarWidth    = 32
)

// ProgressLogger tracks and renders task, record and byte progress of a job.
// A nil *ProgressLogger is valid and discards all updates.
type ProgressLogger struct {
	totalTasks int
	action     string
	interval   time.Duration
	out        io.Writer

	tasks   atomic.Int32
	records atomic.Int64
	bytes   atomic.Int64

	bar      *progressbar.ProgressBar
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProgressLogger creates a progress logger and starts rendering to out.
// Nothing is rendered when out is nil or totalTasks is not positive.
func NewProgressLogger(
	totalTasks int,
	action string,
	interval time.Duration,
	out io.Writer,
) *ProgressLogger {
	p := &ProgressLogger{
		totalTasks: totalTasks,
		action:     action,
		interval:   interval,
		out:        out,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.start()
	return p
}

// UpdateBytes increments the byte counter.
func (p *ProgressLogger) UpdateBytes(delta int64) {
	if p == nil || delta == 0 {
		return
	}
	p.bytes.Add(delta)
}

// UpdateRecords increments the record counter.
func (p *ProgressLogger) UpdateRecords(delta int64) {
	if p == nil || delta == 0 {
		return
	}
	p.records.Add(delta)
}

// UpdateTasks increments the finished task counter.
func (p *ProgressLogger) UpdateTasks(delta int32) {
	if p == nil || delta == 0 {
		return
	}
	p.tasks.Add(delta)
}

// Snapshot returns the current task, record and byte counts.
func (p *ProgressLogger) Snapshot() (tasks, records, bytes int64) {
	if p == nil {
		return 0, 0, 0
	}
	return int64(p.tasks.Load()), p.records.Load(), p.bytes.Load()
}

// Stop stops rendering and waits for the render loop to exit.
func (p *ProgressLogger) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *ProgressLogger) start() {
	if p.totalTasks <= 0 || p.out == nil || p.interval <= 0 {
		close(p.done)
		return
	}

	p.bar = NewTaskProgressBar(p.out, p.totalTasks, p.action)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		prevTasks := int64(p.tasks.Load())
		prevBytes := p.bytes.Load()
		prevRecords := p.records.Load()
		prevTime := time.Now()
		lastDesc := ""

		render := func() bool {
			curTasks := int64(p.tasks.Load())
			curBytes := p.bytes.Load()
			curRecords := p.records.Load()
			now := time.Now()
			elapsed := now.Sub(prevTime).Seconds()

			desc := progressDescription(p.action, curBytes,
				progressRate(curBytes-prevBytes, elapsed),
				progressRate(curRecords-prevRecords, elapsed))
			if desc != lastDesc {
				p.bar.Describe(desc)
				lastDesc = desc
			}
			if delta := max(curTasks-prevTasks, 0); delta > 0 {
				_ = p.bar.Add64(delta)
			}

			prevTasks, prevBytes, prevRecords, prevTime = curTasks, curBytes, curRecords, now
			return int(curTasks) >= p.totalTasks
		}

		for {
			select {
			case <-ticker.C:
				if render() {
					_ = p.bar.Finish()
					return
				}
			case <-p.stop:
				render()
				_ = p.bar.Exit()
				return
			}
		}
	}()
}

func progressRate(delta int64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return float64(delta) / elapsedSeconds
}

// NewTaskProgressBar creates a themed progress bar counting finished tasks.
func NewTaskProgressBar(out io.Writer, totalTasks int, action string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		totalTasks,
		progressbar.OptionSetWriter(out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription(progressDescription(action, 0, 0, 0)),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(progressBarWidth),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(out)
		}),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[light_magenta]━",
			SaucerHead:    "[light_magenta]╸",
			SaucerPadding: "[dark_gray]━",
			BarStart:      "",
			BarEnd:        "[reset]",
		}),
	)
}

func progressDescription(action string, bytes int64, bytesPerSec float64, recordsPerSec float64) string {
	prefix := fmt.Sprintf(
		"%s %s (%s/s, %.0f rows/s)",
		action,
		units.BytesSize(float64(bytes)),
		units.BytesSize(bytesPerSec),
		recordsPerSec,
	)
	return padOrTrim(prefix, progressPrefixWidth) + " "
}

func padOrTrim(s string, width int) string {
	if width <= 0 {
		return s
	}
	if len(s) > width {
		if width <= 3 {
			return s[:width]
		}
		return s[:width-3] + "..."
	}
	if len(s) < width {
		return s + strings.Repeat(" ", width-len(s))
	}
	return s
}
