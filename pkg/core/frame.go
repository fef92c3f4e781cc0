package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Stage names one step that reports progress on the event bus.
// Scan (task chain) and chat (pipeline) stages share a single order table.
type Stage string

const (
	StageQueued          Stage = "queued"
	StageIntent          Stage = "intent"
	StageVision          Stage = "vision"
	StageRule            Stage = "rule"
	StageRAG             Stage = "rag"
	StageCharacter       Stage = "character"
	StageLocation        Stage = "location"
	StageKakaoPlace      Stage = "kakao_place"
	StageBulkWaste       Stage = "bulk_waste"
	StageWeather         Stage = "weather"
	StageRecyclablePrice Stage = "recyclable_price"
	StageCollectionPoint Stage = "collection_point"
	StageWebSearch       Stage = "web_search"
	StageImageGeneration Stage = "image_generation"
	StageNeedsInput      Stage = "needs_input"
	StageAggregate       Stage = "aggregate"
	StageFeedback        Stage = "feedback"
	StageAnswer          Stage = "answer"
	StageReward          Stage = "reward"
	StageDone            Stage = "done"
)

// stageOrder is the position of each stage in a job's life.
// Subagents that may run in parallel share one tier.
var stageOrder = map[Stage]uint64{
	StageQueued:          0,
	StageIntent:          1,
	StageVision:          2,
	StageRule:            3,
	StageRAG:             4,
	StageCharacter:       4,
	StageLocation:        4,
	StageKakaoPlace:      4,
	StageBulkWaste:       4,
	StageWeather:         4,
	StageRecyclablePrice: 4,
	StageCollectionPoint: 4,
	StageWebSearch:       4,
	StageImageGeneration: 4,
	StageNeedsInput:      4,
	StageAggregate:       5,
	StageFeedback:        6,
	StageAnswer:          7,
	StageReward:          8,
	StageDone:            9,
}

// progressFloor is the progress reported when a stage starts.
var progressFloor = map[Stage]int{
	StageQueued:    0,
	StageIntent:    5,
	StageVision:    10,
	StageRule:      35,
	StageRAG:       40,
	StageAggregate: 60,
	StageFeedback:  65,
	StageAnswer:    70,
	StageReward:    90,
	StageDone:      100,
}

// Order returns the stage position and whether the stage is known.
func (s Stage) Order() (uint64, bool) {
	o, ok := stageOrder[s]
	return o, ok
}

// Valid reports whether s is part of the closed stage set.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// ProgressFloor returns the progress percentage reported when the stage starts.
func (s Stage) ProgressFloor() int {
	if p, ok := progressFloor[s]; ok {
		return p
	}
	return progressFloor[StageRAG]
}

// FrameStatus is the status carried by stage frames.
type FrameStatus string

const (
	FrameStarted   FrameStatus = "started"
	FrameCompleted FrameStatus = "completed"
	FrameFailed    FrameStatus = "failed"
	FrameSkipped   FrameStatus = "skipped"
	FrameWaiting   FrameStatus = "waiting"
)

// Valid reports whether the status is one of the known values.
func (s FrameStatus) Valid() bool {
	switch s {
	case FrameStarted, FrameCompleted, FrameFailed, FrameSkipped, FrameWaiting:
		return true
	}
	return false
}

// FrameKind distinguishes the three event shapes on the bus.
type FrameKind string

const (
	KindStage      FrameKind = "stage"
	KindToken      FrameKind = "token"
	KindNeedsInput FrameKind = "needs_input"
)

// TokenSeqFloor is the first sequence number handed to token frames of a job.
const TokenSeqFloor uint64 = 1000

// Ends reports whether the status finishes a stage. A stage has one opening frame
// (started or waiting) and at most one closing frame.
func (s FrameStatus) Ends() bool {
	return s == FrameCompleted || s == FrameFailed || s == FrameSkipped
}

// StageSeq allocates the deterministic sequence number of a stage frame:
// order*10 for the opening frame and order*10+1 for the closing one.
func StageSeq(stage Stage, status FrameStatus) uint64 {
	order := stageOrder[stage]
	seq := order * 10
	if status.Ends() {
		seq++
	}
	return seq
}

// Frame is a single event on the bus.
type Frame struct {
	Kind     FrameKind       `json:"-"`
	JobID    string          `json:"job_id"`
	Stage    Stage           `json:"stage,omitempty"`
	Status   FrameStatus     `json:"status,omitempty"`
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"-"`
	Progress *int            `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Message  string          `json:"message,omitempty"`
	Content  string          `json:"content,omitempty"`

	// Offset is the stream id assigned on append. It is not part of the wire record.
	Offset string `json:"-"`
}

// IsDone reports whether the frame closes the job.
func (f *Frame) IsDone() bool {
	return f.Kind != KindToken && f.Stage == StageDone
}

// Identity returns the idempotency identity of a stage frame.
func (f *Frame) Identity() string {
	return fmt.Sprintf("%s:%s:%d", f.JobID, f.Stage, f.Seq)
}

// Values encodes the frame as the flat key/value record stored on the stream.
func (f *Frame) Values() map[string]any {
	ts := f.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	v := map[string]any{
		"job_id": f.JobID,
		"seq":    strconv.FormatUint(f.Seq, 10),
		"ts":     strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', 6, 64),
	}
	if f.Kind == KindToken {
		v["content"] = f.Content
		return v
	}
	v["stage"] = string(f.Stage)
	v["status"] = string(f.Status)
	if f.Progress != nil {
		v["progress"] = strconv.Itoa(*f.Progress)
	}
	if len(f.Result) > 0 {
		v["result"] = string(f.Result)
	}
	if f.Message != "" {
		v["message"] = f.Message
	}
	return v
}

// FrameFromValues decodes a stream record. Values are expected as strings, which is how
// stream fields come back from Redis.
func FrameFromValues(values map[string]any) (*Frame, error) {
	str := func(key string) string {
		switch v := values[key].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}

	f := &Frame{JobID: str("job_id")}
	if f.JobID == "" {
		return nil, fmt.Errorf("%w: missing job_id", ErrMalformedFrame)
	}

	seq, err := strconv.ParseUint(str("seq"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: seq: %v", ErrMalformedFrame, err)
	}
	f.Seq = seq

	if raw := str("ts"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ts: %v", ErrMalformedFrame, err)
		}
		whole, frac := math.Modf(secs)
		f.TS = time.Unix(int64(whole), int64(frac*1e9))
	}

	f.Message = str("message")
	stage := str("stage")
	if stage == "" {
		f.Kind = KindToken
		f.Content = str("content")
		return f, nil
	}

	f.Stage = Stage(stage)
	f.Status = FrameStatus(str("status"))
	f.Kind = KindStage
	if f.Stage == StageNeedsInput {
		f.Kind = KindNeedsInput
	}
	if raw := str("progress"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: progress: %v", ErrMalformedFrame, err)
		}
		f.Progress = &p
	}
	if raw := str("result"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: result is not JSON", ErrMalformedFrame)
		}
		f.Result = json.RawMessage(raw)
	}
	return f, nil
}

// SSEPayload is the JSON body written to server-sent event clients.
type SSEPayload struct {
	Stage    Stage           `json:"stage,omitempty"`
	Status   FrameStatus     `json:"status,omitempty"`
	Seq      uint64          `json:"seq"`
	Progress *int            `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Message  string          `json:"message,omitempty"`
	Content  string          `json:"content,omitempty"`
}

// SSE returns the client-facing payload of the frame.
func (f *Frame) SSE() SSEPayload {
	return SSEPayload{
		Stage:    f.Stage,
		Status:   f.Status,
		Seq:      f.Seq,
		Progress: f.Progress,
		Result:   f.Result,
		Message:  f.Message,
		Content:  f.Content,
	}
}

// IntPtr is a small helper for optional progress values.
func IntPtr(v int) *int {
	return &v
}
