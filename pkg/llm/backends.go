package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/jdziat/ecoscan/pkg/chain"
	"github.com/jdziat/ecoscan/pkg/pipeline"
)

var (
	_ pipeline.IntentClassifier = (*Model)(nil)
	_ pipeline.VisionModel      = (*Model)(nil)
	_ pipeline.AnswerModel      = (*Model)(nil)
	_ pipeline.Critic           = (*Model)(nil)
	_ chain.Answerer            = (*Model)(nil)
)

const intentPrompt = `You route questions for a recycling assistant.
Classify the user message into exactly one intent and a complexity.

Intents: %s
Complexity: "simple" when one source answers the question, "complex" when several are needed.

Reply with JSON only: {"intent": "...", "complexity": "...", "confidence": 0.0}`

// ClassifyIntent labels a message. Unknown labels fall back to general.
func (m *Model) ClassifyIntent(ctx context.Context, message string, hasImage bool) (pipeline.Classification, error) {
	labels := make([]string, len(pipeline.Intents))
	for i, in := range pipeline.Intents {
		labels[i] = string(in)
	}
	user := message
	if hasImage {
		user += "\n\n(The user attached a photo.)"
	}

	out, err := m.generate(ctx, "classify intent", []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(intentPrompt, strings.Join(labels, ", "))),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithJSONMode())
	if err != nil {
		return pipeline.Classification{}, err
	}

	var raw struct {
		Intent     string  `json:"intent"`
		Complexity string  `json:"complexity"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeJSON(out, &raw); err != nil {
		return pipeline.Classification{}, err
	}
	intent, _ := pipeline.ParseIntent(strings.ToLower(strings.TrimSpace(raw.Intent)))
	if intent == pipeline.IntentGeneral && hasImage {
		intent = pipeline.IntentWaste
	}
	complexity := pipeline.ComplexitySimple
	if strings.EqualFold(raw.Complexity, string(pipeline.ComplexityComplex)) {
		complexity = pipeline.ComplexityComplex
	}
	return pipeline.Classification{Intent: intent, Complexity: complexity, Confidence: clamp01(raw.Confidence)}, nil
}

const visionPrompt = `You classify waste from a photo for household sorting.
Reply with JSON only:
{"major_category": "recyclable|general|food|hazardous|bulky",
 "middle_category": "...", "minor_category": "...",
 "attributes": {"material": "...", "contamination": "..."},
 "confidence": 0.0}`

// AnalyzeImage classifies the waste shown at imageURL.
func (m *Model) AnalyzeImage(ctx context.Context, imageURL, message string) (pipeline.VisionResult, error) {
	text := message
	if text == "" {
		text = "What is this and how is it sorted?"
	}
	out, err := m.generate(ctx, "analyze image", []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, visionPrompt),
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.ImageURLPart(imageURL), llms.TextPart(text)},
		},
	}, llms.WithJSONMode())
	if err != nil {
		return pipeline.VisionResult{}, err
	}

	var v pipeline.VisionResult
	if err := decodeJSON(out, &v); err != nil {
		return pipeline.VisionResult{}, err
	}
	v.MajorCategory = strings.ToLower(strings.TrimSpace(v.MajorCategory))
	if v.MajorCategory == "" {
		return pipeline.VisionResult{}, fmt.Errorf("analyze image: %w: no major category", ErrMalformedOutput)
	}
	v.Confidence = clamp01(v.Confidence)
	return v, nil
}

// StreamAnswer generates the final answer, forwarding each streamed chunk to onToken.
func (m *Model) StreamAnswer(ctx context.Context, p pipeline.Prompt, onToken func(string) error) (string, error) {
	messages := make([]llms.MessageContent, 0, len(p.History)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	for _, t := range p.History {
		role := llms.ChatMessageTypeHuman
		if t.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, t.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, p.User))

	var streamed strings.Builder
	out, err := m.generate(ctx, "stream answer", messages, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		streamed.Write(chunk)
		if onToken == nil {
			return nil
		}
		return onToken(string(chunk))
	}))
	if err != nil {
		return "", err
	}
	if out == "" {
		out = streamed.String()
	}
	return out, nil
}

const critiquePrompt = `You review a draft answer of a recycling assistant against the sources it was given.
Decide whether the draft is correct, complete and supported by the sources.
Reply with JSON only: {"sufficient": true, "notes": "what to fix in the draft"}`

// Critique reviews a draft answer against what the subagents collected.
func (m *Model) Critique(ctx context.Context, s pipeline.State, draft string) (pipeline.Feedback, error) {
	sum := s.Summarize()
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nIntent: %s\n", s.Message, s.Intent())
	for _, c := range sum.Collected {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", c, s.Context(c).Data)
	}
	if len(sum.Missing) > 0 {
		missing := make([]string, len(sum.Missing))
		for i, c := range sum.Missing {
			missing[i] = string(c)
		}
		fmt.Fprintf(&b, "\nUnavailable: %s\n", strings.Join(missing, ", "))
	}
	fmt.Fprintf(&b, "\nDraft answer:\n%s\n", draft)

	out, err := m.generate(ctx, "critique", []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, critiquePrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, b.String()),
	}, llms.WithJSONMode())
	if err != nil {
		return pipeline.Feedback{}, err
	}
	var f pipeline.Feedback
	if err := decodeJSON(out, &f); err != nil {
		return pipeline.Feedback{}, err
	}
	return f, nil
}

const scanAnswerPrompt = pipeline.Persona + `

## Task
Explain how to dispose of the scanned item step by step using only the disposal rules.
List what the user still has to do before the item can be recycled (for example "remove_label",
"rinse") as insufficiencies; use an empty list when the item is ready.
Reply with JSON only: {"answer": "...", "insufficiencies": []}`

// Answer writes the answer of a scan.
func (m *Model) Answer(ctx context.Context, in chain.AnswerInput) (chain.AnswerResult, error) {
	var b strings.Builder
	if in.UserInput != "" {
		fmt.Fprintf(&b, "Question: %s\n", in.UserInput)
	}
	cls, err := json.Marshal(in.Classification)
	if err != nil {
		return chain.AnswerResult{}, err
	}
	fmt.Fprintf(&b, "Classification: %s\n", cls)
	if in.Rules != nil {
		rules, err := json.Marshal(in.Rules)
		if err != nil {
			return chain.AnswerResult{}, err
		}
		fmt.Fprintf(&b, "Disposal rules: %s\n", rules)
	} else {
		b.WriteString("Disposal rules: none found\n")
	}

	out, err := m.generate(ctx, "answer", []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, scanAnswerPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, b.String()),
	}, llms.WithJSONMode())
	if err != nil {
		return chain.AnswerResult{}, err
	}

	var res chain.AnswerResult
	if err := decodeJSON(out, &res); err != nil {
		// a model that ignores the format still answered
		return chain.AnswerResult{Answer: strings.TrimSpace(out), Insufficiencies: []string{}}, nil
	}
	if res.Insufficiencies == nil {
		res.Insufficiencies = []string{}
	}
	return res, nil
}

// decodeJSON parses the first JSON object in a model answer, tolerating code fences
// and surrounding prose.
func decodeJSON(out string, v any) error {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
