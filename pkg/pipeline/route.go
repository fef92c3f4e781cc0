package pipeline

// Route is the fan-out set chosen for an intent.
type Route struct {
	// Primary runs for every query with the intent. Empty for intents answered directly.
	Primary Node
	// Companions run alongside Primary on every query.
	Companions []Node
	// Complex runs in addition for complex queries.
	Complex []Node
}

// Routes is the static route table keyed by intent.
var Routes = map[Intent]Route{
	IntentWaste: {
		Primary:    NodeRAG,
		Companions: []Node{NodeCharacter},
		Complex:    []Node{NodeRecyclablePrice, NodeCollectionPoint, NodeWebSearch},
	},
	IntentCharacter:       {Primary: NodeCharacter, Complex: []Node{NodeWebSearch}},
	IntentLocation:        {Primary: NodeLocation, Complex: []Node{NodeKakaoPlace, NodeWeather}},
	IntentPlaceSearch:     {Primary: NodeKakaoPlace, Complex: []Node{NodeLocation}},
	IntentBulkWaste:       {Primary: NodeBulkWaste, Complex: []Node{NodeLocation, NodeCollectionPoint}},
	IntentWeather:         {Primary: NodeWeather, Complex: []Node{NodeRAG}},
	IntentPrice:           {Primary: NodeRecyclablePrice, Complex: []Node{NodeRAG}},
	IntentCollectionPoint: {Primary: NodeCollectionPoint, Complex: []Node{NodeLocation}},
	IntentWebSearch:       {Primary: NodeWebSearch, Complex: []Node{NodeRAG}},
	IntentImage:           {Primary: NodeImageGeneration, Complex: []Node{NodeRAG}},
	IntentGeneral:         {Complex: []Node{NodeWebSearch}},
}

// Plan returns the subagents to run for a classification, without duplicates.
func Plan(c *Classification) []Node {
	intent := IntentGeneral
	complexity := ComplexitySimple
	if c != nil {
		intent = c.Intent
		complexity = c.Complexity
	}
	route, ok := Routes[intent]
	if !ok {
		route = Routes[IntentGeneral]
	}

	var nodes []Node
	seen := make(map[Node]bool)
	add := func(n Node) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		nodes = append(nodes, n)
	}
	add(route.Primary)
	for _, n := range route.Companions {
		add(n)
	}
	if complexity == ComplexityComplex {
		for _, n := range route.Complex {
			add(n)
		}
	}
	return nodes
}
