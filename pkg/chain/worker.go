package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/ecoscan/pkg/broker"
	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/executor"
	"github.com/jdziat/ecoscan/pkg/reward"
)

const tracerName = "github.com/jdziat/ecoscan/pkg/chain"

// Worker runs chain stages from broker queues. Every message is written to the task log
// before any work starts, and acknowledged only once its outcome is durable.
type Worker struct {
	broker      broker.Broker
	log         core.TaskLog
	pub         core.Publisher
	backends    Backends
	exec        *executor.Executor
	concurrency map[Task]int
	logger      *slog.Logger
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
	hooks       []func(core.Event)

	inflight sync.Map
	wg       sync.WaitGroup
}

// New creates a worker. log must be open: a worker without a task log refuses to run.
func New(b broker.Broker, log core.TaskLog, pub core.Publisher, backends Backends, opts ...Option) *Worker {
	w := &Worker{
		broker:      b,
		log:         log,
		pub:         pub,
		backends:    backends,
		concurrency: make(map[Task]int, len(Tasks)),
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		propagator:  propagation.TraceContext{},
	}
	for _, t := range Tasks {
		w.concurrency[t] = DefaultConcurrency
	}
	for _, opt := range opts {
		opt.apply(w)
	}
	if w.exec == nil {
		w.exec = executor.New(executor.DefaultPolicies(), executor.WithLogger(w.logger))
	}
	w.logger = w.logger.With("component", "chain")
	return w
}

// Start consumes every configured queue until ctx is cancelled, then waits for running
// stages to settle their messages.
func (w *Worker) Start(ctx context.Context) error {
	if w.log == nil {
		return errors.New("chain: worker has no task log")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, t := range Tasks {
		n := w.concurrency[t]
		if n <= 0 {
			continue
		}
		deliveries, err := w.broker.Consume(ctx, t.Queue(), n)
		if err != nil {
			cancel()
			w.wg.Wait()
			return fmt.Errorf("chain: consume %s: %w", t.Queue(), err)
		}
		for i := 0; i < n; i++ {
			w.wg.Add(1)
			go w.processLoop(ctx, t, deliveries)
		}
		w.logger.Info("consuming", "queue", t.Queue(), "concurrency", n)
	}

	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

func (w *Worker) processLoop(ctx context.Context, t Task, deliveries <-chan *broker.Delivery) {
	defer w.wg.Done()
	for d := range deliveries {
		w.Process(ctx, t, d)
	}
}

// stageOutput is what one stage attempt produced.
type stageOutput struct {
	record   Record
	result   json.RawMessage
	decision *reward.Decision
}

// Process runs one delivery of task t and settles it.
func (w *Worker) Process(ctx context.Context, t Task, d *broker.Delivery) {
	msg, err := DecodeMessage(d.Body)
	if err != nil {
		w.logger.Error("rejecting malformed message", "queue", d.Queue, "error", err)
		_ = d.Nack(false)
		return
	}

	ctx = w.propagator.Extract(ctx, propagation.MapCarrier{"traceparent": msg.Traceparent})
	ctx, span := w.tracer.Start(ctx, "chain."+string(t), trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("task_id", msg.TaskID),
		attribute.String("job_id", msg.JobID),
		attribute.Bool("redelivered", d.Redelivered),
	))
	defer span.End()

	logger := w.logger.With("task", t, "task_id", msg.TaskID, "job_id", msg.JobID)

	inserted, err := w.log.WriteTask(ctx, msg.TaskID, string(t), d.Body)
	if err != nil {
		logger.Error("task log write failed, requeueing", "error", err)
		_ = d.Nack(true)
		return
	}
	if !inserted {
		status, err := w.log.TaskStatus(ctx, msg.TaskID)
		if err != nil {
			logger.Error("task log read failed, requeueing", "error", err)
			_ = d.Nack(true)
			return
		}
		if status.IsTerminal() {
			logger.Info("duplicate delivery of finished task", "status", status)
			w.skip(d, t, msg, status)
			return
		}
	}

	// A RUNNING row not claimed here is left over from a crashed worker and is resumed.
	if _, busy := w.inflight.LoadOrStore(msg.TaskID, struct{}{}); busy {
		logger.Info("duplicate delivery of running task")
		w.skip(d, t, msg, core.StatusRunning)
		return
	}
	defer w.inflight.Delete(msg.TaskID)

	if err := w.log.StartTask(ctx, msg.TaskID); err != nil {
		if errors.Is(err, core.ErrTerminalStatus) {
			w.skip(d, t, msg, core.StatusSuccess)
			return
		}
		logger.Error("task log start failed, requeueing", "error", err)
		_ = d.Nack(true)
		return
	}

	if t == TaskVision {
		w.notify(ctx, msg.JobID, core.StageQueued, core.FrameStarted, core.StageOpts{Progress: core.IntPtr(0)})
	}
	stage, visible := t.Stage()
	if visible {
		w.notify(ctx, msg.JobID, stage, core.FrameStarted, core.StageOpts{Progress: core.IntPtr(stage.ProgressFloor())})
	}
	start := time.Now()
	w.emit(&core.TaskStarted{Task: msg, Stage: stage, Timestamp: start})

	runCtx := executor.WithRetryHook(ctx, func(info executor.RetryInfo) {
		if err := w.log.RecordRetry(ctx, msg.TaskID, info.Err.Error()); err != nil {
			logger.Warn("failed to record retry", "error", err)
		}
		w.emit(&core.TaskRetrying{Task: msg, Stage: stage, Attempt: info.Attempt, Error: info.Err, Delay: info.Delay, Timestamp: time.Now()})
	})
	out, outcome, err := executor.Run(runCtx, w.exec, string(t), func(ctx context.Context) (stageOutput, error) {
		return w.runStage(ctx, t, msg)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, t, msg, d, outcome, err, logger)
		return
	}

	if visible {
		w.notify(ctx, msg.JobID, stage, core.FrameCompleted, core.StageOpts{Result: out.result})
	}
	if err := w.advance(ctx, t, msg, out); err != nil {
		logger.Error("failed to hand off to next stage, requeueing", "error", err)
		_ = d.Nack(true)
		return
	}

	record, err := json.Marshal(out.record)
	if t == TaskPersistReward {
		record = out.result
	}
	if err == nil {
		err = w.log.CompleteTask(ctx, msg.TaskID, record)
	}
	if err != nil && !errors.Is(err, core.ErrTerminalStatus) {
		logger.Error("task log complete failed, requeueing", "error", err)
		_ = d.Nack(true)
		return
	}

	_ = d.Ack()
	w.emit(&core.TaskCompleted{Task: msg, Stage: stage, Duration: time.Since(start), Timestamp: time.Now()})
	logger.Debug("stage completed", "attempts", outcome.Attempts, "duration", outcome.Duration)
}

// advance publishes what follows a successful stage. The reward stage closes the job and
// hands granted decisions to persist_reward after the client has its answer.
func (w *Worker) advance(ctx context.Context, t Task, msg *core.TaskMessage, out stageOutput) error {
	if next, ok := t.Next(); ok {
		payload, err := json.Marshal(out.record)
		if err != nil {
			return err
		}
		return w.publish(ctx, msg, next, payload)
	}
	if t != TaskReward {
		return nil
	}

	if msg.JobID != "" {
		summary, err := json.Marshal(out.record)
		if err != nil {
			return err
		}
		if _, err := w.pub.NotifyDone(ctx, msg.JobID, summary); err != nil {
			w.logger.Warn("failed to publish done", "job_id", msg.JobID, "error", err)
		}
	}
	if out.decision == nil || !out.decision.Received {
		return nil
	}
	payload, err := json.Marshal(out.decision)
	if err != nil {
		return err
	}
	return w.publish(ctx, msg, TaskPersistReward, payload)
}

// publish enqueues the child task of msg with the current trace context.
func (w *Worker) publish(ctx context.Context, msg *core.TaskMessage, next Task, payload json.RawMessage) error {
	root := msg.Root()
	child := *msg
	child.TaskID = ChildTaskID(root, next)
	child.RootTaskID = root
	child.Payload = payload

	carrier := propagation.MapCarrier{}
	w.propagator.Inject(ctx, carrier)
	if tp := carrier.Get("traceparent"); tp != "" {
		child.Traceparent = tp
	}

	body, err := json.Marshal(&child)
	if err != nil {
		return err
	}
	var headers map[string]string
	if child.Traceparent != "" {
		headers = map[string]string{"traceparent": child.Traceparent}
	}
	return w.broker.Publish(ctx, next.Queue(), body, headers)
}

// fail settles a stage that exhausted its policy. A stage cut short by shutdown is
// requeued so another worker resumes it.
func (w *Worker) fail(ctx context.Context, t Task, msg *core.TaskMessage, d *broker.Delivery, outcome executor.Outcome, err error, logger *slog.Logger) {
	if ctx.Err() != nil {
		_ = d.Nack(true)
		return
	}
	stage, visible := t.Stage()
	reason := core.ReasonFor(stage, err)

	if ferr := w.log.FailTask(ctx, msg.TaskID, err.Error()); ferr != nil && !errors.Is(ferr, core.ErrTerminalStatus) {
		logger.Error("task log fail failed, requeueing", "error", ferr)
		_ = d.Nack(true)
		return
	}
	logger.Warn("stage failed", "reason", reason, "attempts", outcome.Attempts, "error", err)

	if visible && msg.JobID != "" {
		w.notify(ctx, msg.JobID, stage, core.FrameFailed, core.StageOpts{Message: reason})
		if _, perr := w.pub.NotifyFailed(ctx, msg.JobID, reason, ""); perr != nil {
			logger.Warn("failed to publish failure", "error", perr)
		}
	}
	_ = d.Ack()
	w.emit(&core.TaskFailed{Task: msg, Stage: stage, Reason: reason, Error: err, Timestamp: time.Now()})
}

func (w *Worker) skip(d *broker.Delivery, t Task, msg *core.TaskMessage, status core.TaskStatus) {
	_ = d.Ack()
	stage, _ := t.Stage()
	w.emit(&core.TaskSkipped{Task: msg, Stage: stage, Status: status, Timestamp: time.Now()})
}

func (w *Worker) notify(ctx context.Context, jobID string, stage core.Stage, status core.FrameStatus, opts core.StageOpts) {
	if jobID == "" {
		return
	}
	if _, _, err := w.pub.NotifyStage(ctx, jobID, stage, status, opts); err != nil {
		w.logger.Warn("failed to publish stage", "job_id", jobID, "stage", stage, "status", status, "error", err)
	}
}

func (w *Worker) emit(ev core.Event) {
	for _, h := range w.hooks {
		h(ev)
	}
}
