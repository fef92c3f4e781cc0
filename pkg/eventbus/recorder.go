package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/ecoscan/pkg/core"
)

// Recorder is an in-memory Publisher with the same identity rules as Bus: stage frames
// are kept once per (job, stage, seq) and tokens get per-job increasing seqs. It backs
// single-process runs and tests.
type Recorder struct {
	mu     sync.Mutex
	seq    *Sequencer
	frames []*core.Frame
	marks  map[string]string
	next   int
}

var _ core.Publisher = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{seq: NewSequencer(), marks: make(map[string]string)}
}

// Frames returns a copy of every recorded frame in publish order.
func (r *Recorder) Frames() []*core.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Frame(nil), r.frames...)
}

// Job returns the frames of one job.
func (r *Recorder) Job(jobID string) []*core.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Frame
	for _, f := range r.frames {
		if f.JobID == jobID {
			out = append(out, f)
		}
	}
	return out
}

func (r *Recorder) append(f *core.Frame) string {
	r.next++
	f.Offset = fmt.Sprintf("%d-0", r.next)
	f.TS = time.Now()
	r.frames = append(r.frames, f)
	return f.Offset
}

func (r *Recorder) NotifyStage(_ context.Context, jobID string, stage core.Stage, status core.FrameStatus, opts core.StageOpts) (string, bool, error) {
	if jobID == "" {
		return "", false, core.ErrInvalidJobID
	}
	if !stage.Valid() {
		return "", false, fmt.Errorf("%w: %q", core.ErrInvalidStage, stage)
	}
	if !status.Valid() {
		return "", false, fmt.Errorf("%w: %q", core.ErrInvalidStatus, status)
	}
	f := &core.Frame{
		Kind:     core.KindStage,
		JobID:    jobID,
		Stage:    stage,
		Status:   status,
		Seq:      core.StageSeq(stage, status),
		Progress: opts.Progress,
		Result:   opts.Result,
		Message:  opts.Message,
	}
	if stage == core.StageNeedsInput {
		f.Kind = core.KindNeedsInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if offset, ok := r.marks[f.Identity()]; ok {
		return offset, false, nil
	}
	offset := r.append(f)
	r.marks[f.Identity()] = offset
	return offset, true, nil
}

func (r *Recorder) NotifyToken(_ context.Context, jobID, content string) (string, error) {
	if jobID == "" {
		return "", core.ErrInvalidJobID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &core.Frame{Kind: core.KindToken, JobID: jobID, Seq: r.seq.NextToken(jobID), Content: content}
	return r.append(f), nil
}

func (r *Recorder) NotifyNeedsInput(ctx context.Context, jobID, inputType string, timeoutSeconds int, message string) (string, error) {
	result, err := json.Marshal(needsInputResult{InputType: inputType, TimeoutSeconds: timeoutSeconds})
	if err != nil {
		return "", err
	}
	offset, _, err := r.NotifyStage(ctx, jobID, core.StageNeedsInput, core.FrameWaiting, core.StageOpts{Result: result, Message: message})
	return offset, err
}

func (r *Recorder) NotifyDone(ctx context.Context, jobID string, result json.RawMessage) (string, error) {
	offset, _, err := r.NotifyStage(ctx, jobID, core.StageDone, core.FrameCompleted, core.StageOpts{Progress: core.IntPtr(100), Result: result})
	if err == nil {
		r.seq.Forget(jobID)
	}
	return offset, err
}

func (r *Recorder) NotifyFailed(ctx context.Context, jobID string, reason, message string) (string, error) {
	result, err := json.Marshal(failedResult{Reason: reason})
	if err != nil {
		return "", err
	}
	offset, _, err := r.NotifyStage(ctx, jobID, core.StageDone, core.FrameFailed, core.StageOpts{Result: result, Message: message})
	if err == nil {
		r.seq.Forget(jobID)
	}
	return offset, err
}
