package chain

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/ecoscan/pkg/broker"
	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/eventbus"
	"github.com/jdziat/ecoscan/pkg/executor"
	"github.com/jdziat/ecoscan/pkg/pipeline"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/wal"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeVision struct {
	result pipeline.VisionResult
	err    error
	calls  atomic.Int32
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, imageURL, message string) (pipeline.VisionResult, error) {
	f.calls.Add(1)
	return f.result, f.err
}

type fakeRules struct {
	rules *pipeline.DisposalRules
}

func (f *fakeRules) LookupRules(ctx context.Context, q pipeline.RuleQuery) (*pipeline.DisposalRules, error) {
	return f.rules, nil
}

type fakeAnswerer struct {
	result AnswerResult
	seen   AnswerInput
}

func (f *fakeAnswerer) Answer(ctx context.Context, in AnswerInput) (AnswerResult, error) {
	f.seen = in
	return f.result, nil
}

type fakeOwners struct {
	mu     sync.Mutex
	owned  map[string]bool
	grants int
}

func newFakeOwners() *fakeOwners {
	return &fakeOwners{owned: make(map[string]bool)}
}

func (f *fakeOwners) HasOwnership(ctx context.Context, userID, characterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned[userID+"/"+characterID], nil
}

func (f *fakeOwners) GrantOwnership(ctx context.Context, userID, characterID, source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	key := userID + "/" + characterID
	if f.owned[key] {
		return false, nil
	}
	f.owned[key] = true
	return true, nil
}

type fakeCharacters []reward.Character

func (f fakeCharacters) ListCharacters(ctx context.Context) ([]reward.Character, error) {
	return f, nil
}

// flakyLog fails the first n WriteTask calls.
type flakyLog struct {
	*wal.WAL
	failures atomic.Int32
}

func (f *flakyLog) WriteTask(ctx context.Context, taskID, taskName string, args []byte) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("disk I/O error")
	}
	return f.WAL.WriteTask(ctx, taskID, taskName, args)
}

// =============================================================================
// Helpers
// =============================================================================

type harness struct {
	broker   *broker.Memory
	wal      *wal.WAL
	frames   *eventbus.Recorder
	vision   *fakeVision
	answerer *fakeAnswerer
	owners   *fakeOwners
	worker   *Worker

	mu     sync.Mutex
	events []core.Event
}

func fastExecutor() *executor.Executor {
	p := executor.DefaultPolicy()
	p.Timeout = 200 * time.Millisecond
	p.Backoff = executor.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	p.Breaker = executor.BreakerPolicy{}
	p.FailureMode = executor.FailClosed
	return executor.New(&executor.Policies{Default: p}, executor.WithJitterSource(nil))
}

func recyclableVision() *fakeVision {
	return &fakeVision{result: pipeline.VisionResult{
		MajorCategory:  "recyclable",
		MiddleCategory: "plastic",
		MinorCategory:  "pet_bottle",
		Confidence:     0.93,
	}}
}

func newHarness(t *testing.T, vision *fakeVision, log func(*wal.WAL) core.TaskLog) *harness {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), "wal", "worker.db"), wal.WithWorkerName("test-worker"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	h := &harness{
		broker:   broker.NewMemory(),
		wal:      w,
		frames:   eventbus.NewRecorder(),
		vision:   vision,
		answerer: &fakeAnswerer{result: AnswerResult{Answer: "Rinse the bottle and remove the label."}},
		owners:   newFakeOwners(),
	}
	t.Cleanup(func() { _ = h.broker.Close() })

	catalog := reward.NewCatalog(fakeCharacters{
		{ID: "char-pet", Name: "Petty", Type: "plastic", Dialog: "Thanks!", MatchCategory: "pet_bottle"},
	}, reward.DefaultCatalogConfig())

	var taskLog core.TaskLog = w
	if log != nil {
		taskLog = log(w)
	}
	h.worker = New(h.broker, taskLog, h.frames, Backends{
		Vision:  vision,
		Rules:   &fakeRules{rules: &pipeline.DisposalRules{Category: "pet_bottle", Steps: []string{"rinse", "remove label"}}},
		Answer:  h.answerer,
		Rewards: reward.NewRegistry(reward.NewScanStrategy(catalog, h.owners, reward.Enabled(true))),
		Owners:  h.owners,
	}, WithExecutor(fastExecutor()), OnEvent(func(ev core.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}))
	return h
}

// receive takes the next delivery of task.
func (h *harness) receive(t *testing.T, task Task) *broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := h.broker.Consume(ctx, task.Queue(), 1)
	require.NoError(t, err)
	select {
	case d, ok := <-ch:
		require.True(t, ok, "consumer closed")
		return d
	case <-ctx.Done():
		t.Fatalf("no delivery on %s", task.Queue())
		return nil
	}
}

func (h *harness) process(t *testing.T, task Task) {
	t.Helper()
	h.worker.Process(context.Background(), task, h.receive(t, task))
}

// drain processes queued tasks in chain order until nothing is pending.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for progressed := true; progressed; {
		progressed = false
		for _, task := range Tasks {
			for h.broker.Pending(task.Queue()) > 0 {
				h.process(t, task)
				progressed = true
			}
		}
	}
}

func (h *harness) submit(t *testing.T) core.TaskMessage {
	t.Helper()
	msg, err := Submit(context.Background(), h.broker, core.TaskMessage{
		UserID:    "user-1",
		ImageURL:  "https://cdn.example.com/scan/bottle.jpg",
		UserInput: "how do I throw this away?",
	})
	require.NoError(t, err)
	return msg
}

func (h *harness) skipped() []*core.TaskSkipped {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*core.TaskSkipped
	for _, ev := range h.events {
		if s, ok := ev.(*core.TaskSkipped); ok {
			out = append(out, s)
		}
	}
	return out
}

func stageFrames(frames []*core.Frame, stage core.Stage) []*core.Frame {
	var out []*core.Frame
	for _, f := range frames {
		if f.Stage == stage {
			out = append(out, f)
		}
	}
	return out
}

func decodeMessage(t *testing.T, body []byte) core.TaskMessage {
	t.Helper()
	var msg core.TaskMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

// =============================================================================
// Task helpers
// =============================================================================

func TestTask_ChainOrder(t *testing.T) {
	next, ok := TaskVision.Next()
	require.True(t, ok)
	assert.Equal(t, TaskRule, next)

	next, ok = TaskAnswer.Next()
	require.True(t, ok)
	assert.Equal(t, TaskReward, next)

	_, ok = TaskReward.Next()
	assert.False(t, ok, "persist_reward is conditional")
	_, ok = TaskPersistReward.Next()
	assert.False(t, ok)
}

func TestTask_StageVisibility(t *testing.T) {
	stage, visible := TaskRule.Stage()
	assert.True(t, visible)
	assert.Equal(t, core.StageRule, stage)

	_, visible = TaskPersistReward.Stage()
	assert.False(t, visible)
}

func TestChildTaskID_Deterministic(t *testing.T) {
	assert.Equal(t, "root-1.rule", ChildTaskID("root-1", TaskRule))
	assert.Equal(t, ChildTaskID("root-1", TaskRule), ChildTaskID("root-1", TaskRule))
	assert.Equal(t, "scan.persist_reward", TaskPersistReward.Queue())
}

func TestDecodeMessage_RejectsInvalidTaskID(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"task_id":"../etc"}`))
	assert.ErrorIs(t, err, core.ErrInvalidTaskID)

	_, err = DecodeMessage([]byte(`{not json`))
	assert.ErrorIs(t, err, core.ErrMalformedMessage)
}

func TestRecord_Claim(t *testing.T) {
	rec := Record{
		Classification: &pipeline.VisionResult{MajorCategory: "recyclable", MiddleCategory: "plastic"},
		DisposalRules:  &pipeline.DisposalRules{Category: "plastic"},
	}
	c := rec.Claim("user-9")
	assert.Equal(t, reward.SourceScan, c.Source)
	assert.Equal(t, "user-9", c.UserID)
	assert.True(t, c.RulesFound)
	assert.Equal(t, "plastic", c.Category())
}

// =============================================================================
// Submit
// =============================================================================

func TestSubmit_GeneratesIDs(t *testing.T) {
	b := broker.NewMemory()
	msg, err := Submit(context.Background(), b, core.TaskMessage{ImageURL: "https://cdn.example.com/a.jpg"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.TaskID)
	assert.NotEmpty(t, msg.JobID)

	published := b.Published(TaskVision.Queue())
	require.Len(t, published, 1)
	assert.Equal(t, msg.TaskID, decodeMessage(t, published[0].Body).TaskID)
}

func TestSubmit_NotifyQueued(t *testing.T) {
	b := broker.NewMemory()
	frames := eventbus.NewRecorder()
	msg, err := Submit(context.Background(), b, core.TaskMessage{ImageURL: "https://cdn.example.com/a.jpg"}, NotifyQueued(frames))
	require.NoError(t, err)

	got := frames.Job(msg.JobID)
	require.Len(t, got, 1)
	assert.Equal(t, core.StageQueued, got[0].Stage)
	assert.Equal(t, core.FrameStarted, got[0].Status)
	require.NotNil(t, got[0].Progress)
	assert.Equal(t, 0, *got[0].Progress)
}

func TestSubmit_BrokerFailureClosesJob(t *testing.T) {
	b := broker.NewMemory()
	require.NoError(t, b.Close())
	frames := eventbus.NewRecorder()

	msg, err := Submit(context.Background(), b, core.TaskMessage{JobID: "job-closed", ImageURL: "https://cdn.example.com/a.jpg"}, NotifyQueued(frames))
	require.ErrorIs(t, err, broker.ErrClosed)

	got := frames.Job(msg.JobID)
	require.Len(t, got, 2)
	assert.Equal(t, core.StageQueued, got[0].Stage)
	assert.True(t, got[1].IsDone())
	assert.Equal(t, core.FrameFailed, got[1].Status)
	assert.Contains(t, string(got[1].Result), "queued_failed")
}

func TestSubmit_RejectsPrivateImageURL(t *testing.T) {
	b := broker.NewMemory()
	_, err := Submit(context.Background(), b, core.TaskMessage{ImageURL: "http://127.0.0.1/a.jpg"})
	assert.ErrorIs(t, err, core.ErrInvalidImageURL)
	assert.Empty(t, b.Published(TaskVision.Queue()))
}

func TestRewardPersister_PublishesDecision(t *testing.T) {
	b := broker.NewMemory()
	p := NewRewardPersister(b)
	d := reward.Decision{Received: true, Reason: reward.ReasonGranted, Source: reward.SourceChat, UserID: "u1", CharacterID: "c1"}
	require.NoError(t, p.PersistReward(context.Background(), d))

	published := b.Published(TaskPersistReward.Queue())
	require.Len(t, published, 1)
	msg := decodeMessage(t, published[0].Body)
	var got reward.Decision
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, d, got)
}

// =============================================================================
// Chain
// =============================================================================

func TestChain_RecyclableGrantsReward(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	msg := h.submit(t)

	h.drain(t)

	frames := h.frames.Job(msg.JobID)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, core.StageDone, last.Stage)
	assert.Equal(t, core.FrameCompleted, last.Status)

	var summary Record
	require.NoError(t, json.Unmarshal(last.Result, &summary))
	require.NotNil(t, summary.Reward)
	assert.True(t, summary.Reward.Received)
	assert.Equal(t, "Petty", summary.Reward.Name)
	assert.NotContains(t, string(last.Result), "char-pet", "internal ids stay off the bus")

	assert.Len(t, h.broker.Published(TaskPersistReward.Queue()), 1)
	assert.Equal(t, 1, h.owners.grants)
	owned, _ := h.owners.HasOwnership(context.Background(), "user-1", "char-pet")
	assert.True(t, owned)

	e, err := h.wal.Get(context.Background(), ChildTaskID(msg.TaskID, TaskPersistReward))
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, e.Status)
	assert.JSONEq(t, `{"created":true}`, string(e.Result))
}

func TestChain_StartsWithQueuedFrame(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	msg, err := Submit(context.Background(), h.broker, core.TaskMessage{
		UserID:   "user-1",
		ImageURL: "https://cdn.example.com/scan/bottle.jpg",
	}, NotifyQueued(h.frames))
	require.NoError(t, err)
	h.drain(t)

	frames := h.frames.Job(msg.JobID)
	require.NotEmpty(t, frames)
	assert.Equal(t, core.StageQueued, frames[0].Stage)
	assert.Equal(t, core.FrameStarted, frames[0].Status)
	assert.Len(t, stageFrames(frames, core.StageQueued), 1, "the worker's copy is dropped")
}

func TestChain_WorkerReportsQueuedWithoutSubmitter(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	msg := h.submit(t)
	h.drain(t)

	frames := h.frames.Job(msg.JobID)
	require.NotEmpty(t, frames)
	assert.Equal(t, core.StageQueued, frames[0].Stage)
	require.NotNil(t, frames[0].Progress)
	assert.Equal(t, 0, *frames[0].Progress)
	assert.Equal(t, core.StageVision, frames[1].Stage)
}

func TestChain_StageSeqsNonDecreasing(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	msg := h.submit(t)
	h.drain(t)

	var prev uint64
	for _, f := range h.frames.Job(msg.JobID) {
		assert.GreaterOrEqual(t, f.Seq, prev, "stage %s/%s", f.Stage, f.Status)
		prev = f.Seq
	}
	assert.Len(t, stageFrames(h.frames.Job(msg.JobID), core.StageDone), 1)
}

func TestChain_AnswerSeesClassificationAndRules(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	h.submit(t)
	h.drain(t)

	assert.Equal(t, "pet_bottle", h.answerer.seen.Classification.MinorCategory)
	require.NotNil(t, h.answerer.seen.Rules)
	assert.Equal(t, []string{"rinse", "remove label"}, h.answerer.seen.Rules.Steps)
	assert.Equal(t, "how do I throw this away?", h.answerer.seen.UserInput)
}

func TestChain_NonRecyclableSkipsPersist(t *testing.T) {
	h := newHarness(t, &fakeVision{result: pipeline.VisionResult{MajorCategory: "general", MiddleCategory: "food_waste"}}, nil)
	msg := h.submit(t)
	h.drain(t)

	frames := h.frames.Job(msg.JobID)
	last := frames[len(frames)-1]
	require.True(t, last.IsDone())

	var summary Record
	require.NoError(t, json.Unmarshal(last.Result, &summary))
	require.NotNil(t, summary.Reward)
	assert.False(t, summary.Reward.Received)
	assert.Equal(t, reward.ReasonNotRecyclable, summary.Reward.Reason)

	assert.Empty(t, h.broker.Published(TaskPersistReward.Queue()))
	assert.Zero(t, h.owners.grants)
}

func TestChain_AlreadyOwnedIsNotGrantedAgain(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	h.owners.owned["user-1/char-pet"] = true
	h.submit(t)
	h.drain(t)

	assert.Empty(t, h.broker.Published(TaskPersistReward.Queue()))
	assert.Zero(t, h.owners.grants)
}

func TestChain_VisionFailClosed(t *testing.T) {
	h := newHarness(t, &fakeVision{err: errors.New("model overloaded")}, nil)
	msg := h.submit(t)
	h.drain(t)

	assert.EqualValues(t, 2, h.vision.calls.Load(), "default policy allows one retry")
	assert.Empty(t, h.broker.Published(TaskRule.Queue()))

	failed := stageFrames(h.frames.Job(msg.JobID), core.StageVision)
	require.Len(t, failed, 2)
	assert.Equal(t, core.FrameFailed, failed[1].Status)
	assert.Equal(t, "vision_failed", failed[1].Message)

	frames := h.frames.Job(msg.JobID)
	last := frames[len(frames)-1]
	assert.Equal(t, core.StageDone, last.Stage)
	assert.Equal(t, core.FrameFailed, last.Status)

	e, err := h.wal.Get(context.Background(), msg.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Empty(t, h.broker.DeadLetters(), "a failed stage is settled, not dead-lettered")
}

func TestChain_InvalidImageFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	body, err := json.Marshal(core.TaskMessage{TaskID: "task-bad-url", JobID: "job-bad-url", ImageURL: "file:///etc/passwd"})
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(context.Background(), TaskVision.Queue(), body, nil))

	h.process(t, TaskVision)

	assert.Zero(t, h.vision.calls.Load())
	failed := stageFrames(h.frames.Job("job-bad-url"), core.StageVision)
	require.NotEmpty(t, failed)
	assert.Equal(t, core.ReasonValidationFailed, failed[len(failed)-1].Message)
}

// =============================================================================
// Delivery semantics
// =============================================================================

func TestProcess_DuplicateDeliveryRunsOnce(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	h.submit(t)
	head := h.broker.Published(TaskVision.Queue())[0]
	require.NoError(t, h.broker.Publish(context.Background(), TaskVision.Queue(), head.Body, nil))

	h.process(t, TaskVision)
	h.process(t, TaskVision)

	assert.EqualValues(t, 1, h.vision.calls.Load())
	assert.Len(t, h.broker.Published(TaskRule.Queue()), 1)
	assert.Zero(t, h.broker.Pending(TaskVision.Queue()), "duplicate was acked")

	skipped := h.skipped()
	require.Len(t, skipped, 1)
	assert.Equal(t, core.StatusSuccess, skipped[0].Status)
}

func TestProcess_TaskLogFailureRequeues(t *testing.T) {
	var flaky *flakyLog
	h := newHarness(t, recyclableVision(), func(w *wal.WAL) core.TaskLog {
		flaky = &flakyLog{WAL: w}
		flaky.failures.Store(1)
		return flaky
	})
	h.submit(t)

	h.process(t, TaskVision)
	assert.Zero(t, h.vision.calls.Load(), "no work before the task is logged")
	require.Equal(t, 1, h.broker.Pending(TaskVision.Queue()))

	d := h.receive(t, TaskVision)
	assert.True(t, d.Redelivered)
	h.worker.Process(context.Background(), TaskVision, d)

	assert.EqualValues(t, 1, h.vision.calls.Load())
	assert.Len(t, h.broker.Published(TaskRule.Queue()), 1)
}

func TestProcess_MalformedMessageDeadLetters(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	require.NoError(t, h.broker.Publish(context.Background(), TaskVision.Queue(), []byte(`{"task_id":`), nil))

	h.process(t, TaskVision)

	assert.Len(t, h.broker.DeadLetters(), 1)
	assert.Zero(t, h.broker.Pending(TaskVision.Queue()))
}

func TestProcess_ResumesRunningLeftover(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	msg := h.submit(t)
	ctx := context.Background()

	// a crashed worker logged and started the task but never finished it
	head := h.broker.Published(TaskVision.Queue())[0]
	_, err := h.wal.WriteTask(ctx, msg.TaskID, string(TaskVision), head.Body)
	require.NoError(t, err)
	require.NoError(t, h.wal.StartTask(ctx, msg.TaskID))

	h.process(t, TaskVision)

	assert.EqualValues(t, 1, h.vision.calls.Load())
	status, err := h.wal.TaskStatus(ctx, msg.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, status)
}

func TestProcess_PropagatesTraceparent(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	msg, err := Submit(parent, h.broker, core.TaskMessage{UserID: "user-1", ImageURL: "https://cdn.example.com/a.jpg"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.Traceparent)

	h.process(t, TaskVision)

	published := h.broker.Published(TaskRule.Queue())
	require.Len(t, published, 1)
	child := decodeMessage(t, published[0].Body)
	assert.Equal(t, ChildTaskID(msg.TaskID, TaskRule), child.TaskID)
	assert.Equal(t, msg.TaskID, child.RootTaskID)
	assert.Equal(t, child.Traceparent, published[0].Headers["traceparent"])

	got := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(context.Background(),
		propagation.MapCarrier{"traceparent": child.Traceparent}))
	assert.Equal(t, traceID, got.TraceID())
}

func TestStart_RequiresTaskLog(t *testing.T) {
	w := New(broker.NewMemory(), nil, eventbus.NewRecorder(), Backends{})
	assert.Error(t, w.Start(context.Background()))
}

func TestStart_RunsChainUntilCancelled(t *testing.T) {
	h := newHarness(t, recyclableVision(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Start(ctx) }()

	msg := h.submit(t)
	require.Eventually(t, func() bool {
		frames := h.frames.Job(msg.JobID)
		return len(frames) > 0 && frames[len(frames)-1].IsDone()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		h.owners.mu.Lock()
		defer h.owners.mu.Unlock()
		return h.owners.grants == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
