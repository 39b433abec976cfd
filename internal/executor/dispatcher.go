package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

const (
	noOutput            = "No output returned"
	errorPrefix         = "Error executing code: "
	defaultVersionIndex = "0"
)

var versionIndexes = map[room.Language]string{
	room.C:       "5",
	room.Cpp:     "5",
	room.Python3: "4",
	room.Java:    "4",
}

// VersionIndex maps a language tag to the provider's version selector.
// Unknown tags get the provider default instead of an error.
func VersionIndex(language string) string {
	if idx, ok := versionIndexes[room.Language(language)]; ok {
		return idx
	}
	return defaultVersionIndex
}

// Broadcaster is the slice of the fan-out the dispatcher needs
type Broadcaster interface {
	Broadcast(roomID string, msg protocol.Message, except string)
}

// Recorder persists finished runs
type Recorder interface {
	RecordRun(ctx context.Context, run db.Run) (int64, error)
}

type Request struct {
	RoomID   string
	Code     string
	Language string
}

// Outcome is what both the requester and the room get to see
type Outcome struct {
	Output string
	Failed bool
}

type Dispatcher struct {
	provider Provider
	fanout   Broadcaster
	recorder Recorder
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher wires a provider to the fan-out. recorder may be nil.
func NewDispatcher(provider Provider, fanout Broadcaster, recorder Recorder, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		fanout:   fanout,
		recorder: recorder,
		timeout:  timeout,
		log:      logger,
		metrics:  m,
	}
}

// Run executes req and broadcasts the outcome to the room. It does not
// touch room state, so it may overlap freely with edits. The caller going
// away does not cancel the run; only the timeout does.
func (d *Dispatcher) Run(ctx context.Context, req Request) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	job := Job{
		Script:       req.Code,
		Language:     req.Language,
		VersionIndex: VersionIndex(req.Language),
	}

	start := time.Now()
	output, err := d.provider.Execute(ctx, job)
	elapsed := time.Since(start)
	d.metrics.ExecDuration.Observe(elapsed.Seconds())

	var outcome Outcome
	if err != nil {
		outcome = Outcome{Output: errorPrefix + d.describe(err), Failed: true}
		d.metrics.Executions.WithLabelValues(job.Language, "error").Inc()
		d.log.Warn("execution failed", "room", req.RoomID, "language", job.Language, "elapsed", elapsed, "err", err)
	} else {
		if output == "" {
			output = noOutput
		}
		outcome = Outcome{Output: output}
		d.metrics.Executions.WithLabelValues(job.Language, "ok").Inc()
		d.log.Info("execution finished", "room", req.RoomID, "language", job.Language, "elapsed", elapsed)
	}

	d.fanout.Broadcast(req.RoomID, protocol.OutputUpdateMessage(outcome.Output), "")
	d.record(ctx, req, job, outcome, elapsed)
	return outcome
}

func (d *Dispatcher) describe(err error) string {
	var perr *ProviderError
	switch {
	case errors.As(err, &perr):
		return perr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout of %s exceeded", d.timeout)
	default:
		return err.Error()
	}
}

func (d *Dispatcher) record(ctx context.Context, req Request, job Job, outcome Outcome, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	// The provider may have used up the deadline; history gets its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := d.recorder.RecordRun(ctx, db.Run{
		RoomID:       req.RoomID,
		Language:     job.Language,
		VersionIndex: job.VersionIndex,
		Code:         req.Code,
		Output:       outcome.Output,
		Failed:       outcome.Failed,
		DurationMs:   elapsed.Milliseconds(),
	})
	if err != nil {
		d.log.Error("record run", "room", req.RoomID, "err", err)
	}
}
