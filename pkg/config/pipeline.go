package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GeneratorPolicy bounds one generator kind.
type GeneratorPolicy struct {
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	Backoff       time.Duration `yaml:"backoff"`
	Provider      string        `yaml:"provider"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// Attempts is the total number of invocations the policy allows.
func (p GeneratorPolicy) Attempts() int { return p.Retries + 1 }

// WorstCase is the longest a generator can take under this policy,
// counting every timeout and the linear backoff between attempts.
func (p GeneratorPolicy) WorstCase() time.Duration {
	r := time.Duration(p.Retries)
	return p.Timeout*(r+1) + p.Backoff*r*(r+1)/2
}

// Pipeline is the tunable policy of the strategy pipeline.
type Pipeline struct {
	// Policies is keyed by generator kind.
	Policies map[string]GeneratorPolicy `yaml:"policies"`
	// PhaseDurations is the expected time spent in each phase, used for progress.
	PhaseDurations map[string]time.Duration `yaml:"phase_durations"`
	// StuckBudgets overrides the derived per-phase supervision budget.
	StuckBudgets map[string]time.Duration `yaml:"stuck_budgets"`
	StuckGrace   time.Duration            `yaml:"stuck_grace"`

	MinBriefingFields int `yaml:"min_briefing_fields"`
	MinVenues         int `yaml:"min_venues"`
	MinReasoningWords int `yaml:"min_reasoning_words"`
}

// phaseKinds lists the generator kinds that may be in flight during a phase.
var phaseKinds = map[string][]string{
	"analyzing": {"briefing", "immediate"},
	"immediate": {"briefing", "immediate"},
	"venues":    {"venue_planner"},
	"routing":   {"routing"},
	"places":    {"places"},
	"verifying": {"verifier", "daily"},
}

// DefaultPipeline returns the built-in policy.
func DefaultPipeline() Pipeline {
	backoff := 2 * time.Second
	return Pipeline{
		Policies: map[string]GeneratorPolicy{
			"immediate":     {Timeout: 45 * time.Second, Retries: 1, Backoff: backoff, Provider: "ollama"},
			"briefing":      {Timeout: 60 * time.Second, Retries: 1, Backoff: backoff, Provider: "ollama"},
			"daily":         {Timeout: 90 * time.Second, Retries: 1, Backoff: backoff, Provider: "ollama"},
			"venue_planner": {Timeout: 90 * time.Second, Retries: 1, Backoff: backoff, Provider: "ollama"},
			"routing":       {Timeout: 30 * time.Second, Retries: 3, Backoff: backoff},
			"places":        {Timeout: 30 * time.Second, Retries: 3, Backoff: backoff, RatePerSecond: 5, Burst: 5},
			"verifier":      {Timeout: 60 * time.Second, Retries: 2, Backoff: backoff, Provider: "ollama"},
		},
		PhaseDurations: map[string]time.Duration{
			"starting":  500 * time.Millisecond,
			"resolving": 500 * time.Millisecond,
			"analyzing": 2 * time.Second,
			"immediate": 20 * time.Second,
			"venues":    30 * time.Second,
			"routing":   8 * time.Second,
			"places":    10 * time.Second,
			"verifying": 15 * time.Second,
		},
		StuckBudgets:      map[string]time.Duration{},
		StuckGrace:        30 * time.Second,
		MinBriefingFields: 3,
		MinVenues:         4,
		MinReasoningWords: 15,
	}
}

// Policy returns the policy for a generator kind. Unknown kinds get a
// single attempt bounded by a minute.
func (p Pipeline) Policy(kind string) GeneratorPolicy {
	if pol, ok := p.Policies[kind]; ok {
		return pol
	}
	return GeneratorPolicy{Timeout: time.Minute}
}

// Budget is the wall-clock time a pipeline may stay in phase before the
// supervisor declares it stuck.
func (p Pipeline) Budget(phase string) time.Duration {
	if b, ok := p.StuckBudgets[phase]; ok && b > 0 {
		return b
	}
	var worst time.Duration
	for _, kind := range phaseKinds[phase] {
		if w := p.Policy(kind).WorstCase(); w > worst {
			worst = w
		}
	}
	return worst + p.StuckGrace
}

// MinBudget is the smallest budget over all phases; the supervisor uses it
// as the listing cutoff.
func (p Pipeline) MinBudget(phases []string) time.Duration {
	var lowest time.Duration
	for i, ph := range phases {
		if b := p.Budget(ph); i == 0 || b < lowest {
			lowest = b
		}
	}
	return lowest
}

// policyFile mirrors GeneratorPolicy with optional fields so a partial
// entry only overrides what it names.
type policyFile struct {
	Timeout       *time.Duration `yaml:"timeout"`
	Retries       *int           `yaml:"retries"`
	Backoff       *time.Duration `yaml:"backoff"`
	Provider      *string        `yaml:"provider"`
	RatePerSecond *float64       `yaml:"rate_per_second"`
	Burst         *int           `yaml:"burst"`
}

type pipelineFile struct {
	Policies          map[string]policyFile    `yaml:"policies"`
	PhaseDurations    map[string]time.Duration `yaml:"phase_durations"`
	StuckBudgets      map[string]time.Duration `yaml:"stuck_budgets"`
	StuckGrace        *time.Duration           `yaml:"stuck_grace"`
	MinBriefingFields *int                     `yaml:"min_briefing_fields"`
	MinVenues         *int                     `yaml:"min_venues"`
	MinReasoningWords *int                     `yaml:"min_reasoning_words"`
}

// LoadPipelineFile reads a YAML policy file and merges it over base.
func LoadPipelineFile(path string, base Pipeline) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read %s: %w", path, err)
	}
	return ParsePipeline(raw, base)
}

// ParsePipeline merges YAML policy overrides over base.
func ParsePipeline(raw []byte, base Pipeline) (Pipeline, error) {
	var f pipelineFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return base, fmt.Errorf("parse pipeline config: %w", err)
	}

	out := base.clone()
	for kind, pf := range f.Policies {
		pol := out.Policies[kind]
		if pf.Timeout != nil {
			pol.Timeout = *pf.Timeout
		}
		if pf.Retries != nil {
			pol.Retries = *pf.Retries
		}
		if pf.Backoff != nil {
			pol.Backoff = *pf.Backoff
		}
		if pf.Provider != nil {
			pol.Provider = *pf.Provider
		}
		if pf.RatePerSecond != nil {
			pol.RatePerSecond = *pf.RatePerSecond
		}
		if pf.Burst != nil {
			pol.Burst = *pf.Burst
		}
		out.Policies[kind] = pol
	}
	for ph, d := range f.PhaseDurations {
		out.PhaseDurations[ph] = d
	}
	for ph, d := range f.StuckBudgets {
		out.StuckBudgets[ph] = d
	}
	if f.StuckGrace != nil {
		out.StuckGrace = *f.StuckGrace
	}
	if f.MinBriefingFields != nil {
		out.MinBriefingFields = *f.MinBriefingFields
	}
	if f.MinVenues != nil {
		out.MinVenues = *f.MinVenues
	}
	if f.MinReasoningWords != nil {
		out.MinReasoningWords = *f.MinReasoningWords
	}
	return out, out.validate()
}

func (p Pipeline) validate() error {
	for kind, pol := range p.Policies {
		if pol.Timeout <= 0 {
			return fmt.Errorf("policy %s: timeout must be positive", kind)
		}
		if pol.Retries < 0 {
			return fmt.Errorf("policy %s: retries must not be negative", kind)
		}
	}
	return nil
}

func (p Pipeline) clone() Pipeline {
	c := p
	c.Policies = make(map[string]GeneratorPolicy, len(p.Policies))
	for k, v := range p.Policies {
		c.Policies[k] = v
	}
	c.PhaseDurations = make(map[string]time.Duration, len(p.PhaseDurations))
	for k, v := range p.PhaseDurations {
		c.PhaseDurations[k] = v
	}
	c.StuckBudgets = make(map[string]time.Duration, len(p.StuckBudgets))
	for k, v := range p.StuckBudgets {
		c.StuckBudgets[k] = v
	}
	return c
}
