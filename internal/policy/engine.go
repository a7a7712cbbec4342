package policy

import (
	"errors"
	"fmt"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

var (
	// ErrNoMarkers indicates a rule built without a trust marker
	ErrNoMarkers = errors.New("rule must carry at least one trust marker")

	// ErrNilRule indicates a nil rule was added to a policy
	ErrNilRule = errors.New("nil rule")
)

// Policy is an ordered collection of rules. Evaluation follows insertion order.
type Policy struct {
	rules []Rule
}

// NewPolicy builds a policy from rules, in order.
func NewPolicy(rules ...Rule) (*Policy, error) {
	p := &Policy{}
	for _, r := range rules {
		if err := p.Add(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add appends a rule.
func (p *Policy) Add(r Rule) error {
	if r == nil {
		return ErrNilRule
	}
	if len(r.Markers()) == 0 {
		return fmt.Errorf("%s: %w", r, ErrNoMarkers)
	}
	p.rules = append(p.rules, r)
	return nil
}

// Merge returns a new policy with the rules of p followed by those of other.
func (p *Policy) Merge(other *Policy) *Policy {
	merged := &Policy{rules: make([]Rule, 0, p.Len()+other.Len())}
	merged.rules = append(merged.rules, p.rules...)
	merged.rules = append(merged.rules, other.rules...)
	return merged
}

// Rules returns the rules in evaluation order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// RequiredRegisters lists, sorted and without duplicates, every register
// read by the policy's rules.
func (p *Policy) RequiredRegisters() []measurement.PcrIndex {
	seen := make(map[measurement.PcrIndex]bool)
	var out []measurement.PcrIndex
	for _, r := range p.rules {
		for _, idx := range r.Registers() {
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	measurement.SortPcrs(out)
	return out
}

// Engine evaluates policies. It holds no state and is safe for concurrent use.
type Engine struct{}

// NewEngine returns an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate applies every rule of policy to snapshot, in order, without
// short-circuiting.
func (e *Engine) Evaluate(snapshot *measurement.HostSnapshot, policy *Policy) *TrustReport {
	report := &TrustReport{
		Snapshot: snapshot,
		Results:  make([]RuleResult, 0, policy.Len()),
	}
	if policy == nil {
		return report
	}
	for _, rule := range policy.rules {
		report.Results = append(report.Results, rule.Apply(snapshot))
	}
	return report
}

// TrustReport is the result of one engine run.
type TrustReport struct {
	Snapshot *measurement.HostSnapshot
	Results  []RuleResult
}

// IsTrustedForMarker is true iff at least one rule carries the marker and
// every such rule is trusted.
func (r *TrustReport) IsTrustedForMarker(m Marker) bool {
	if r == nil {
		return false
	}
	found := false
	for _, res := range r.Results {
		if !res.Rule.HasMarker(m) {
			continue
		}
		found = true
		if !res.Trusted {
			return false
		}
	}
	return found
}

// IsTrusted is true iff the report has results and all of them are trusted.
func (r *TrustReport) IsTrusted() bool {
	if r == nil || len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.Trusted {
			return false
		}
	}
	return true
}

// MarkerFlags evaluates IsTrustedForMarker for each marker.
func (r *TrustReport) MarkerFlags(markers ...Marker) map[Marker]bool {
	if len(markers) == 0 {
		markers = AllMarkers
	}
	out := make(map[Marker]bool, len(markers))
	for _, m := range markers {
		out[m] = r.IsTrustedForMarker(m)
	}
	return out
}

// HasMarker reports whether any rule in the report carries m.
func (r *TrustReport) HasMarker(m Marker) bool {
	for _, res := range r.Results {
		if res.Rule.HasMarker(m) {
			return true
		}
	}
	return false
}

// ResultsForMarker returns the results of rules that carry m, in order.
func (r *TrustReport) ResultsForMarker(m Marker) []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if res.Rule.HasMarker(m) {
			out = append(out, res)
		}
	}
	return out
}

// Faults returns every fault in rule order.
func (r *TrustReport) Faults() []Fault {
	var out []Fault
	for _, res := range r.Results {
		out = append(out, res.Faults...)
	}
	return out
}
