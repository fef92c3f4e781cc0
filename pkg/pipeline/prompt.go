package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Persona is the global block shared by every answer.
const Persona = `You are Eco, a friendly recycling assistant.
Answer in the user's language, keep answers short and practical, and never invent disposal rules.
When the provided context is missing something, say so plainly instead of guessing.`

// intentBlocks are the intent-local instructions appended to the persona.
var intentBlocks = map[Intent]string{
	IntentWaste:           "Explain how to sort and dispose of the item step by step using the disposal rules. Mention the character if one is provided.",
	IntentCharacter:       "Introduce the character and what kind of waste it represents.",
	IntentLocation:        "List the nearest facilities with distance. If the user location is unknown, ask for permission to use it.",
	IntentPlaceSearch:     "Summarize the matching places with their addresses.",
	IntentBulkWaste:       "Explain how to register and pay for bulk waste pickup, including fees when known.",
	IntentWeather:         "Relate the weather to outdoor disposal timing.",
	IntentPrice:           "Give current recyclable prices and the date they apply to.",
	IntentCollectionPoint: "Point to collection points for the item and what they accept.",
	IntentWebSearch:       "Answer from the search results and cite their sources.",
	IntentImage:           "Describe the generated image and how it relates to the question.",
	IntentGeneral:         "Answer the question briefly and steer toward recycling topics when relevant.",
}

// IntentBlock returns the local prompt block of an intent.
func IntentBlock(i Intent) string {
	if b, ok := intentBlocks[i]; ok {
		return b
	}
	return intentBlocks[IntentGeneral]
}

// BuildPrompt assembles the hybrid prompt for the answer node.
func BuildPrompt(s State) Prompt {
	var sys strings.Builder
	sys.WriteString(Persona)
	sys.WriteString("\n\n## Task\n")
	sys.WriteString(IntentBlock(s.Intent()))

	if s.NeedsLocation {
		sys.WriteString("\n\nThe user's location is not available. Ask the user to share it and explain what you could tell them once they do.")
	}
	if s.Summary != nil && len(s.Summary.Missing) > 0 {
		missing := make([]string, len(s.Summary.Missing))
		for i, c := range s.Summary.Missing {
			missing[i] = string(c)
		}
		fmt.Fprintf(&sys, "\n\nUnavailable sources: %s.", strings.Join(missing, ", "))
	}
	if fb := s.Context(ChannelFeedback); fb.Usable() {
		var f Feedback
		if err := fb.Decode(&f); err == nil {
			if f.Draft != "" {
				fmt.Fprintf(&sys, "\n\n## Draft\n%s", f.Draft)
			}
			if f.Notes != "" {
				fmt.Fprintf(&sys, "\n\nReviewer notes on the draft: %s", f.Notes)
			}
		}
	}

	channels := make([]string, 0, len(s.Contexts))
	for c, v := range s.Contexts {
		if c == ChannelFeedback || !v.Usable() {
			continue
		}
		channels = append(channels, string(c))
	}
	sort.Strings(channels)
	if len(channels) > 0 {
		sys.WriteString("\n\n## Context\n")
		for _, c := range channels {
			fmt.Fprintf(&sys, "### %s\n%s\n", c, contextText(s.Contexts[Channel(c)].Data))
		}
	}

	return Prompt{System: sys.String(), User: s.Message, History: s.History}
}

func contextText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
