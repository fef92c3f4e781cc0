package executor

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/ecoscan/pkg/security"
)

// FailureMode decides what a node failure does to the enclosing pipeline.
type FailureMode string

const (
	// FailOpen records a failure context and lets the pipeline continue.
	FailOpen FailureMode = "FAIL_OPEN"
	// FailClosed stops the pipeline with a failed frame.
	FailClosed FailureMode = "FAIL_CLOSED"
)

// Valid reports whether m is a known failure mode.
func (m FailureMode) Valid() bool {
	return m == FailOpen || m == FailClosed
}

// Backoff is an exponential backoff schedule with jitter.
type Backoff struct {
	// Base is the delay before the first retry.
	// Default: 100ms
	Base time.Duration `yaml:"base"`

	// Max caps a single delay.
	// Default: 5s
	Max time.Duration `yaml:"max"`

	// Factor multiplies the delay after each attempt.
	// Default: 2.0
	Factor float64 `yaml:"factor"`

	// Jitter is the fraction of the delay to randomize (0.0 to 1.0).
	// Default: 0.1
	Jitter float64 `yaml:"jitter"`
}

// Delay returns the wait before retrying after the given failed attempt (1-based).
// rnd returns a value in [0,1); nil disables jitter.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if rnd != nil && b.Jitter > 0 {
		jittered := d + d*b.Jitter*(rnd()*2-1)
		if jittered > 0 {
			d = jittered
		}
	}
	return time.Duration(d)
}

// BreakerPolicy configures the per-node circuit breaker.
type BreakerPolicy struct {
	// Window is the sliding window over which outcomes are counted.
	Window time.Duration `yaml:"window"`

	// MinRequests is the number of outcomes in the window before the breaker may open.
	// Zero disables the breaker.
	MinRequests int `yaml:"min_requests"`

	// FailureRate opens the breaker when exceeded (0.0 to 1.0).
	FailureRate float64 `yaml:"failure_rate"`

	// Cooldown is how long the breaker stays open before letting a trial call through.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Enabled reports whether the breaker participates at all.
func (p BreakerPolicy) Enabled() bool {
	return p.MinRequests > 0 && p.Window > 0
}

// Policy governs how one node is executed.
type Policy struct {
	// Timeout is the hard upper bound of a single attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts counts the original call plus retries.
	// Default: 2
	MaxAttempts int `yaml:"max_attempts"`

	Backoff     Backoff       `yaml:"backoff"`
	Breaker     BreakerPolicy `yaml:"breaker"`
	FailureMode FailureMode   `yaml:"failure_mode"`

	// BasePriority is in [0,100]; lower runs first and wins merges.
	BasePriority int `yaml:"priority"`

	// FallbackPenalty is added to the priority of fallback writes.
	FallbackPenalty int `yaml:"fallback_penalty"`

	// AgingWindow is the remaining job budget below which priority is promoted.
	AgingWindow time.Duration `yaml:"aging_window"`

	// Budget bounds the time spent on all attempts and waits.
	// Zero means Timeout * MaxAttempts.
	Budget time.Duration `yaml:"budget"`
}

// AggregateBudget returns the total time the executor may spend on the node.
func (p Policy) AggregateBudget() time.Duration {
	if p.Budget > 0 {
		return p.Budget
	}
	return p.Timeout * time.Duration(p.MaxAttempts)
}

// Priority returns the effective priority of a write produced under this policy.
func (p Policy) Priority(isFallback bool, deadline, now time.Time) int {
	return EffectivePriority(p.BasePriority, p.FallbackPenalty, isFallback, deadline, now, p.AgingWindow)
}

func (p Policy) validate(name string) error {
	if p.Timeout <= 0 {
		return fmt.Errorf("policy %s: timeout must be positive", name)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %s: max_attempts must be at least 1", name)
	}
	if !p.FailureMode.Valid() {
		return fmt.Errorf("policy %s: unknown failure_mode %q", name, p.FailureMode)
	}
	if p.Breaker.FailureRate < 0 || p.Breaker.FailureRate > 1 {
		return fmt.Errorf("policy %s: breaker failure_rate must be in [0,1]", name)
	}
	return nil
}

func (p *Policy) normalize() {
	p.MaxAttempts = security.ClampAttempts(p.MaxAttempts)
	p.BasePriority = security.ClampPriority(p.BasePriority)
}

// DefaultPolicy returns the policy applied to nodes without an override.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     10 * time.Second,
		MaxAttempts: 2,
		Backoff: Backoff{
			Base:   100 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2.0,
			Jitter: 0.1,
		},
		Breaker: BreakerPolicy{
			Window:      time.Minute,
			MinRequests: 10,
			FailureRate: 0.5,
			Cooldown:    30 * time.Second,
		},
		FailureMode:     FailOpen,
		BasePriority:    50,
		FallbackPenalty: 20,
		AgingWindow:     5 * time.Second,
	}
}

// Policies maps node names to policies.
type Policies struct {
	Default Policy
	Nodes   map[string]Policy
}

// For returns the policy of a node.
func (p *Policies) For(node string) Policy {
	if p == nil {
		return DefaultPolicy()
	}
	if np, ok := p.Nodes[node]; ok {
		return np
	}
	return p.Default
}

// Set overrides the policy of a node.
func (p *Policies) Set(node string, policy Policy) {
	if p.Nodes == nil {
		p.Nodes = make(map[string]Policy)
	}
	policy.normalize()
	p.Nodes[node] = policy
}

type nodeDefault struct {
	timeout  time.Duration
	mode     FailureMode
	priority int
}

// builtinNodes are the per-node defaults for the pipeline and task chain nodes.
var builtinNodes = map[string]nodeDefault{
	"intent":           {5 * time.Second, FailClosed, 10},
	"vision":           {30 * time.Second, FailClosed, 10},
	"rule":             {5 * time.Second, FailClosed, 20},
	"answer":           {60 * time.Second, FailClosed, 20},
	"reward":           {5 * time.Second, FailClosed, 30},
	"persist_reward":   {5 * time.Second, FailClosed, 90},
	"chat_reward":      {5 * time.Second, FailOpen, 30},
	"rag":              {5 * time.Second, FailOpen, 30},
	"character":        {3 * time.Second, FailOpen, 40},
	"location":         {5 * time.Second, FailOpen, 40},
	"kakao_place":      {5 * time.Second, FailOpen, 40},
	"bulk_waste":       {5 * time.Second, FailOpen, 40},
	"weather":          {3 * time.Second, FailOpen, 50},
	"recyclable_price": {5 * time.Second, FailOpen, 50},
	"collection_point": {5 * time.Second, FailOpen, 50},
	"web_search":       {10 * time.Second, FailOpen, 60},
	"image_generation": {30 * time.Second, FailOpen, 80},
	"feedback":         {45 * time.Second, FailOpen, 70},
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() *Policies {
	p := &Policies{Default: DefaultPolicy(), Nodes: make(map[string]Policy, len(builtinNodes))}
	for name, nd := range builtinNodes {
		p.Nodes[name] = p.Default.with(nd)
	}
	return p
}

func (p Policy) with(nd nodeDefault) Policy {
	p.Timeout = nd.timeout
	p.FailureMode = nd.mode
	p.BasePriority = nd.priority
	return p
}

type policyFile struct {
	Defaults yaml.Node            `yaml:"defaults"`
	Nodes    map[string]yaml.Node `yaml:"nodes"`
}

// ParsePolicies reads a YAML policy document on top of the built-in table.
//
//	defaults:
//	  max_attempts: 3
//	nodes:
//	  vision:
//	    timeout: 20s
//	    breaker: {min_requests: 5, failure_rate: 0.4}
//
// Fields missing from an override keep their previous value.
func ParsePolicies(data []byte) (*Policies, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}

	p := DefaultPolicies()
	if !f.Defaults.IsZero() {
		if err := f.Defaults.Decode(&p.Default); err != nil {
			return nil, fmt.Errorf("parse policies: defaults: %w", err)
		}
		p.Default.normalize()
		for name, nd := range builtinNodes {
			np := p.Default.with(nd)
			if err := f.Defaults.Decode(&np); err != nil {
				return nil, fmt.Errorf("parse policies: defaults: %w", err)
			}
			// built-in node values win over file defaults
			np.FailureMode = nd.mode
			np.BasePriority = nd.priority
			np.Timeout = nd.timeout
			p.Nodes[name] = np
		}
	}

	for name, node := range f.Nodes {
		np := p.For(name)
		if err := node.Decode(&np); err != nil {
			return nil, fmt.Errorf("parse policies: node %s: %w", name, err)
		}
		p.Set(name, np)
	}

	if err := p.Default.validate("defaults"); err != nil {
		return nil, err
	}
	for name, np := range p.Nodes {
		if err := np.validate(name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadPolicies reads a YAML policy file. An empty path yields the built-in table.
func LoadPolicies(path string) (*Policies, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return ParsePolicies(data)
}
