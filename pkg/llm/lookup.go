package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/serpapi"
	"github.com/tmc/langchaingo/tools/wikipedia"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/pipeline"
)

var _ pipeline.Lookup = (*Lookup)(nil)

// lookupPrompts are the instructions of the subagents the model answers on its own.
var lookupPrompts = map[pipeline.Node]string{
	pipeline.NodeRecyclablePrice: `You estimate what recycling buyers pay for a material.
Reply with JSON only: {"material": "...", "unit": "kg", "price_min": 0, "price_max": 0, "currency": "KRW", "notes": "..."}`,
	pipeline.NodeBulkWaste: `You explain how bulky waste is collected.
Reply with JSON only: {"item": "...", "requires_sticker": true, "fee_estimate": "...", "steps": ["..."]}`,
	pipeline.NodeWeather: `You advise whether the weather affects putting waste out.
Reply with JSON only: {"summary": "...", "advice": "..."}`,
	pipeline.NodeImageGeneration: `You design a small illustration that shows how to sort the item.
Reply with JSON only: {"prompt": "an image generation prompt", "caption": "..."}`,
}

// LookupNodes are the subagents a Lookup serves.
var LookupNodes = []pipeline.Node{
	pipeline.NodeRecyclablePrice,
	pipeline.NodeBulkWaste,
	pipeline.NodeWeather,
	pipeline.NodeImageGeneration,
	pipeline.NodeWebSearch,
}

// Lookup answers the specialized subagents with the model, and web searches with a
// langchaingo search tool.
type Lookup struct {
	model  *Model
	search tools.Tool
}

// NewLookup creates a lookup. A nil search tool makes web_search fail, which the
// pipeline treats as a missing source.
func NewLookup(model *Model, search tools.Tool) *Lookup {
	return &Lookup{model: model, search: search}
}

const searchUserAgent = "ecoscan/1.0 (recycling assistant)"

// NewSearchTool returns a Google search through SerpAPI when apiKey is set, and a
// Wikipedia search otherwise.
func NewSearchTool(apiKey string) (tools.Tool, error) {
	if apiKey != "" {
		t, err := serpapi.New(serpapi.WithAPIKey(apiKey))
		if err != nil {
			return nil, fmt.Errorf("create serpapi tool: %w", err)
		}
		return t, nil
	}
	return wikipedia.New(searchUserAgent), nil
}

// Backends maps every node the lookup serves to it.
func (l *Lookup) Backends() map[pipeline.Node]pipeline.Lookup {
	m := make(map[pipeline.Node]pipeline.Lookup, len(LookupNodes))
	for _, n := range LookupNodes {
		m[n] = l
	}
	return m
}

type searchResult struct {
	Query   string `json:"query"`
	Source  string `json:"source"`
	Results string `json:"results"`
}

// Lookup returns the JSON payload of node for the request.
func (l *Lookup) Lookup(ctx context.Context, node pipeline.Node, s pipeline.State) (json.RawMessage, error) {
	if node == pipeline.NodeWebSearch {
		return l.webSearch(ctx, s)
	}
	prompt, ok := lookupPrompts[node]
	if !ok {
		return nil, core.NoRetry(fmt.Errorf("lookup: %s: %w", node, core.ErrBackendMissing))
	}
	if l.model == nil {
		return nil, core.NoRetry(fmt.Errorf("lookup: %s: no model: %w", node, core.ErrBackendMissing))
	}

	out, err := l.model.generate(ctx, "lookup "+string(node), []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, prompt),
		llms.TextParts(llms.ChatMessageTypeHuman, describeRequest(s)),
	}, llms.WithJSONMode())
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := decodeJSON(out, &obj); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", node, err)
	}
	return json.Marshal(obj)
}

func (l *Lookup) webSearch(ctx context.Context, s pipeline.State) (json.RawMessage, error) {
	if l.search == nil {
		return nil, core.NoRetry(fmt.Errorf("lookup: %s: no search tool: %w", pipeline.NodeWebSearch, core.ErrBackendMissing))
	}
	query := strings.TrimSpace(s.Message)
	if query == "" {
		return nil, core.NoRetry(fmt.Errorf("lookup: %s: empty query", pipeline.NodeWebSearch))
	}
	res, err := l.search.Call(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", pipeline.NodeWebSearch, err)
	}
	return json.Marshal(searchResult{Query: query, Source: l.search.Name(), Results: res})
}

// describeRequest renders the question with what earlier nodes found.
func describeRequest(s pipeline.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", s.Message)
	if v := s.Context(pipeline.ChannelVision); v != nil && v.Success && len(v.Data) > 0 {
		fmt.Fprintf(&b, "Item seen in the photo: %s\n", v.Data)
	}
	if s.Location != nil {
		fmt.Fprintf(&b, "User position: %.4f, %.4f\n", s.Location.Latitude, s.Location.Longitude)
	}
	return b.String()
}
