package pipeline

import "github.com/jdziat/ecoscan/pkg/core"

// Node identifies a pipeline node. Node names double as stage names on the event bus.
type Node string

const (
	NodeIntent          Node = "intent"
	NodeVision          Node = "vision"
	NodeRAG             Node = "rag"
	NodeCharacter       Node = "character"
	NodeLocation        Node = "location"
	NodeKakaoPlace      Node = "kakao_place"
	NodeBulkWaste       Node = "bulk_waste"
	NodeWeather         Node = "weather"
	NodeRecyclablePrice Node = "recyclable_price"
	NodeCollectionPoint Node = "collection_point"
	NodeWebSearch       Node = "web_search"
	NodeImageGeneration Node = "image_generation"
	NodeAggregate       Node = "aggregate"
	NodeFeedback        Node = "feedback"
	NodeAnswer          Node = "answer"
	NodeReward          Node = "reward"
)

// Stage returns the event bus stage the node reports under.
func (n Node) Stage() core.Stage {
	return core.Stage(n)
}

// PolicyKey returns the executor policy name of the node. The chat reward runs
// after the answer has streamed, so it is keyed apart from the chain's reward stage.
func (n Node) PolicyKey() string {
	if n == NodeReward {
		return "chat_reward"
	}
	return string(n)
}

// Channel returns the state channel the node writes, if any.
func (n Node) Channel() (Channel, bool) {
	c, ok := nodeChannels[n]
	return c, ok
}

// IsSubagent reports whether the node can be selected by the router.
func (n Node) IsSubagent() bool {
	_, ok := subagents[n]
	return ok
}

// Channel names a slot of the request state. Concurrent nodes write disjoint channels.
type Channel string

const (
	ChannelClassification  Channel = "classification_result"
	ChannelVision          Channel = "vision_context"
	ChannelDisposalRules   Channel = "disposal_rules"
	ChannelCharacter       Channel = "character_context"
	ChannelLocation        Channel = "location_context"
	ChannelKakaoPlace      Channel = "kakao_place_context"
	ChannelBulkWaste       Channel = "bulk_waste_context"
	ChannelWeather         Channel = "weather_context"
	ChannelRecyclablePrice Channel = "recyclable_price_context"
	ChannelCollectionPoint Channel = "collection_point_context"
	ChannelWebSearch       Channel = "web_search_context"
	ChannelImageGeneration Channel = "image_generation_context"
	ChannelFeedback        Channel = "feedback_context"
)

var nodeChannels = map[Node]Channel{
	NodeIntent:          ChannelClassification,
	NodeVision:          ChannelVision,
	NodeRAG:             ChannelDisposalRules,
	NodeCharacter:       ChannelCharacter,
	NodeLocation:        ChannelLocation,
	NodeKakaoPlace:      ChannelKakaoPlace,
	NodeBulkWaste:       ChannelBulkWaste,
	NodeWeather:         ChannelWeather,
	NodeRecyclablePrice: ChannelRecyclablePrice,
	NodeCollectionPoint: ChannelCollectionPoint,
	NodeWebSearch:       ChannelWebSearch,
	NodeImageGeneration: ChannelImageGeneration,
	NodeFeedback:        ChannelFeedback,
}

var subagents = map[Node]struct{}{
	NodeRAG:             {},
	NodeCharacter:       {},
	NodeLocation:        {},
	NodeKakaoPlace:      {},
	NodeBulkWaste:       {},
	NodeWeather:         {},
	NodeRecyclablePrice: {},
	NodeCollectionPoint: {},
	NodeWebSearch:       {},
	NodeImageGeneration: {},
}
