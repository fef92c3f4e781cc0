package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/pipeline"
)

// fakeSearch is a langchaingo tool returning a fixed result.
type fakeSearch struct {
	result string
	err    error
	input  string
}

func (f *fakeSearch) Name() string        { return "fake search" }
func (f *fakeSearch) Description() string { return "returns a fixed result" }

func (f *fakeSearch) Call(_ context.Context, input string) (string, error) {
	f.input = input
	return f.result, f.err
}

func TestLookup_ServesEveryLookupNode(t *testing.T) {
	l := NewLookup(New(&fakeLLM{}, "fake"), &fakeSearch{})
	backends := l.Backends()

	for _, n := range []pipeline.Node{
		pipeline.NodeRecyclablePrice, pipeline.NodeBulkWaste, pipeline.NodeWeather,
		pipeline.NodeImageGeneration, pipeline.NodeWebSearch,
	} {
		assert.Same(t, l, backends[n], n)
		_, ok := n.Channel()
		assert.True(t, ok, "%s writes a channel", n)
	}
}

func TestLookup_ModelAnswer(t *testing.T) {
	f := &fakeLLM{reply: "```json\n{\"material\": \"copper\", \"price_min\": 7000, \"price_max\": 9000}\n```"}
	l := NewLookup(New(f, "fake"), nil)

	s := pipeline.NewState(pipeline.Input{
		Message:  "how much is scrap copper?",
		Location: &core.Location{Latitude: 37.5, Longitude: 127},
	})
	data, err := l.Lookup(context.Background(), pipeline.NodeRecyclablePrice, s)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "copper", got["material"])
	assert.EqualValues(t, 9000, got["price_max"])

	require.Len(t, f.messages, 2)
	system := f.messages[0].Parts[0].(llms.TextContent).Text
	assert.Contains(t, system, "recycling buyers")
	user := f.messages[1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, user, "scrap copper")
	assert.Contains(t, user, "37.5000, 127.0000")
	assert.True(t, f.options.JSONMode)
}

func TestLookup_MalformedModelAnswerIsRetryable(t *testing.T) {
	l := NewLookup(New(&fakeLLM{reply: "it depends"}, "fake"), nil)

	_, err := l.Lookup(context.Background(), pipeline.NodeWeather, pipeline.NewState(pipeline.Input{Message: "rain?"}))
	require.ErrorIs(t, err, ErrMalformedOutput)
	assert.True(t, core.Classify(err).Retryable())
}

func TestLookup_WebSearch(t *testing.T) {
	search := &fakeSearch{result: "Battery drop-off boxes are at community centers."}
	f := &fakeLLM{}
	l := NewLookup(New(f, "fake"), search)

	data, err := l.Lookup(context.Background(), pipeline.NodeWebSearch,
		pipeline.NewState(pipeline.Input{Message: "  where do batteries go?  "}))
	require.NoError(t, err)

	var got searchResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "where do batteries go?", got.Query)
	assert.Equal(t, "fake search", got.Source)
	assert.Contains(t, got.Results, "community centers")
	assert.Equal(t, "where do batteries go?", search.input)
	assert.Nil(t, f.messages, "search does not call the model")
}

func TestLookup_WebSearchFailures(t *testing.T) {
	ctx := context.Background()
	s := pipeline.NewState(pipeline.Input{Message: "batteries"})

	_, err := NewLookup(nil, nil).Lookup(ctx, pipeline.NodeWebSearch, s)
	require.ErrorIs(t, err, core.ErrBackendMissing)
	assert.Equal(t, core.KindPermanent, core.Classify(err))

	down := errors.New("search unavailable")
	_, err = NewLookup(nil, &fakeSearch{err: down}).Lookup(ctx, pipeline.NodeWebSearch, s)
	require.ErrorIs(t, err, down)
	assert.True(t, core.Classify(err).Retryable())
}

func TestLookup_UnknownNode(t *testing.T) {
	_, err := NewLookup(New(&fakeLLM{}, "fake"), nil).Lookup(context.Background(), pipeline.NodeRAG, pipeline.State{})
	require.ErrorIs(t, err, core.ErrBackendMissing)
	assert.Equal(t, core.KindPermanent, core.Classify(err))
}

func TestNewSearchTool(t *testing.T) {
	tool, err := NewSearchTool("")
	require.NoError(t, err)
	assert.NotEmpty(t, tool.Name())

	tool, err = NewSearchTool("serp-key")
	require.NoError(t, err)
	assert.Equal(t, "GoogleSearch", tool.Name())
}
