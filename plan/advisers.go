// ABOUTME: Adviser configuration carried by plan nodes: applicability predicates and action settings.
// ABOUTME: The adviser package turns these configurations into executable advisers.
package plan

// Adviser type names understood by the default adviser registry.
const (
	AdviserNextStep           = "NEXT_STEP"
	AdviserRetry              = "RETRY"
	AdviserIgnore             = "IGNORE"
	AdviserMarkSuccess        = "MARK_SUCCESS"
	AdviserAbort              = "ABORT"
	AdviserManualIntervention = "MANUAL_INTERVENTION"
	AdviserRollback           = "ROLLBACK"
)

// AdviserConfig is one entry of a node's adviser chain.
type AdviserConfig struct {
	Type         string              `json:"type" yaml:"type"`
	On           Applicability       `json:"on,omitempty" yaml:"on,omitempty"`
	Next         string              `json:"next,omitempty" yaml:"next,omitempty"`
	Retry        *RetryConfig        `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnExhaust    *AdviserConfig      `json:"on_exhaust,omitempty" yaml:"on_exhaust,omitempty"`
	Intervention *InterventionConfig `json:"intervention,omitempty" yaml:"intervention,omitempty"`
}

// Applicability restricts an adviser to terminal statuses and failure kinds.
// Empty Statuses means "any failure status"; empty FailureKinds means any kind.
type Applicability struct {
	Statuses     []string `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	FailureKinds []string `json:"failure_kinds,omitempty" yaml:"failure_kinds,omitempty"`
}

// RetryConfig configures the RETRY adviser.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Delay       Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Factor      float64  `json:"factor,omitempty" yaml:"factor,omitempty"`
	MaxDelay    Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// InterventionConfig configures the MANUAL_INTERVENTION adviser.
type InterventionConfig struct {
	Timeout   Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnTimeout *AdviserConfig `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty"`
}

// Targets lists the plan nodes this configuration can jump to, including
// its exhaust and intervention-timeout actions.
func (c AdviserConfig) Targets() []string {
	var out []string
	if c.Next != "" {
		out = append(out, c.Next)
	}
	if c.OnExhaust != nil {
		out = append(out, c.OnExhaust.Targets()...)
	}
	if c.Intervention != nil && c.Intervention.OnTimeout != nil {
		out = append(out, c.Intervention.OnTimeout.Targets()...)
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c AdviserConfig) Clone() AdviserConfig {
	out := c
	out.On.Statuses = append([]string(nil), c.On.Statuses...)
	out.On.FailureKinds = append([]string(nil), c.On.FailureKinds...)
	if c.Retry != nil {
		r := *c.Retry
		out.Retry = &r
	}
	if c.OnExhaust != nil {
		e := c.OnExhaust.Clone()
		out.OnExhaust = &e
	}
	if c.Intervention != nil {
		iv := *c.Intervention
		if iv.OnTimeout != nil {
			ot := iv.OnTimeout.Clone()
			iv.OnTimeout = &ot
		}
		out.Intervention = &iv
	}
	return out
}
