// Package workflow defines the declarative workflow document, its parser,
// and the validator that turns a definition into a dependency DAG.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Step kinds.
const (
	KindToolCall   = "tool-call"
	KindInlineCode = "inline-code"
)

// Definition is one declarative workflow. Immutable after load; the caller
// owns it for the duration of a run.
type Definition struct {
	Name        string       `yaml:"name"`
	Version     string       `yaml:"version,omitempty"`
	Description string       `yaml:"description,omitempty"`
	Inputs      []InputSpec  `yaml:"inputs,omitempty"`
	Steps       []Step       `yaml:"steps"`
	Outputs     []OutputSpec `yaml:"outputs,omitempty"`
	Defaults    Defaults     `yaml:"defaults,omitempty"`
}

// InputSpec declares one run input.
type InputSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	Required bool   `yaml:"required,omitempty"`
	Default  any    `yaml:"default,omitempty"`
}

// OutputSpec projects one workflow output from a step result path, for
// example "steps.fetch.output.body".
type OutputSpec struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`
}

// Defaults carries workflow-level fallbacks for per-step settings.
type Defaults struct {
	Timeout     Duration     `yaml:"timeout,omitempty"`
	Retry       *RetryPolicy `yaml:"retry,omitempty"`
	MaxParallel int          `yaml:"max_parallel,omitempty"`
}

// RetryPolicy bounds re-execution of a failed step. Each attempt replays the
// step with the same resolved inputs.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     string   `yaml:"backoff,omitempty"` // none, fixed, exponential
	Delay       Duration `yaml:"delay,omitempty"`
}

// Attempts returns the normalized attempt budget (at least one).
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffDelay returns the pause before retry attempt n (1-based first
// retry). The schedule is deterministic: no jitter.
func (p *RetryPolicy) BackoffDelay(n int) time.Duration {
	if p == nil || p.Delay.D <= 0 {
		return 0
	}
	switch p.Backoff {
	case "exponential":
		d := p.Delay.D
		for i := 1; i < n; i++ {
			d *= 2
		}
		return d
	case "", "none":
		return 0
	default: // fixed
		return p.Delay.D
	}
}

// Step is one unit of execution: a tool invocation or inline code.
type Step struct {
	ID        string         `yaml:"id"`
	Tool      string         `yaml:"tool,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	Code      string         `yaml:"code,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	Retry     *RetryPolicy   `yaml:"retry,omitempty"`
	Timeout   Duration       `yaml:"timeout,omitempty"`
}

// Kind derives the step kind from which payload field is set.
func (s *Step) Kind() string {
	if s.Tool != "" {
		return KindToolCall
	}
	return KindInlineCode
}

// Duration wraps time.Duration with YAML support for both duration strings
// ("1m30s") and bare numbers interpreted as seconds.
type Duration struct {
	D time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil {
		parsed, perr := time.ParseDuration(asString)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %v", asString, perr)
		}
		d.D = parsed
		return nil
	}
	var asNumber float64
	if err := node.Decode(&asNumber); err == nil {
		d.D = time.Duration(asNumber * float64(time.Second))
		return nil
	}
	return fmt.Errorf("invalid duration value on line %d", node.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.D.String(), nil
}
