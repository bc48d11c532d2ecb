package behavior

import (
	"strings"
)

// Defaults applied to response variants that omit the field.
const (
	DefaultStatusCode  = 200
	DefaultContentType = "text/plain"
)

// Behavior is the fault configuration for one target key.
type Behavior struct {
	Key       string            `json:"key" yaml:"key"`
	Latency   []LatencyVariant  `json:"latency,omitempty" yaml:"latency,omitempty"`
	Responses []ResponseVariant `json:"responses,omitempty" yaml:"responses,omitempty"`
}

// LatencyVariant is one weighted delay option.
type LatencyVariant struct {
	Weight  float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	DelayMs int64   `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// ResponseVariant is one weighted response option. Only variants with
// Intercept set replace the real endpoint.
type ResponseVariant struct {
	Weight      float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Intercept   bool    `json:"intercept,omitempty" yaml:"intercept,omitempty"`
	StatusCode  int     `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	ContentType string  `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Body        string  `json:"body,omitempty" yaml:"body,omitempty"`
}

// VariantWeight implements Weighted.
func (v LatencyVariant) VariantWeight() float64 { return v.Weight }

// VariantWeight implements Weighted.
func (v ResponseVariant) VariantWeight() float64 { return v.Weight }

// SelectedBehavior is the outcome of resolving a key once. Either field may
// be nil.
type SelectedBehavior struct {
	Latency  *LatencyVariant
	Response *ResponseVariant
}

// Intercepts reports whether the selection fabricates a response.
func (s SelectedBehavior) Intercepts() bool {
	return s.Response != nil && s.Response.Intercept
}

// Delay returns the selected latency in milliseconds, 0 when none.
func (s SelectedBehavior) Delay() int64 {
	if s.Latency == nil || s.Latency.DelayMs < 0 {
		return 0
	}
	return s.Latency.DelayMs
}

// Snapshot maps normalized target keys to behaviors. A snapshot is never
// mutated after it has been published.
type Snapshot map[string]Behavior

// Clone returns a shallow copy suitable for copy-on-write updates.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Len returns the number of behaviors held.
func (s Snapshot) Len() int { return len(s) }

// NormalizeKey lower-cases and trims a target key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// DefaultBehavior builds the record provisioned for unknown keys: a single
// zero delay and a single non-intercepting 200 response.
func DefaultBehavior(key string) Behavior {
	return Behavior{
		Key:     NormalizeKey(key),
		Latency: []LatencyVariant{{Weight: 100, DelayMs: 0}},
		Responses: []ResponseVariant{{
			Weight:      100,
			Intercept:   false,
			StatusCode:  DefaultStatusCode,
			ContentType: DefaultContentType,
		}},
	}
}

// Normalize applies field defaults in place and clamps negative values.
func (b *Behavior) Normalize() {
	b.Key = NormalizeKey(b.Key)
	for i := range b.Latency {
		if b.Latency[i].Weight < 0 {
			b.Latency[i].Weight = 0
		}
		if b.Latency[i].DelayMs < 0 {
			b.Latency[i].DelayMs = 0
		}
	}
	for i := range b.Responses {
		r := &b.Responses[i]
		if r.Weight < 0 {
			r.Weight = 0
		}
		if r.StatusCode == 0 {
			r.StatusCode = DefaultStatusCode
		}
		if r.ContentType == "" {
			r.ContentType = DefaultContentType
		}
	}
}

// Select draws one latency and one response variant.
func (b Behavior) Select(rnd func() float64) SelectedBehavior {
	var out SelectedBehavior
	if v, ok := SelectWeighted(b.Latency, rnd); ok {
		out.Latency = &v
	}
	if v, ok := SelectWeighted(b.Responses, rnd); ok {
		out.Response = &v
	}
	return out
}
