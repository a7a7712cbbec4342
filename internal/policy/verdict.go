package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultVerdictModule requires both boot layers, and the asset tag when the
// host carries one.
const DefaultVerdictModule = `package trust

import future.keywords.if

default trusted := false

trusted if {
	input.markers.BIOS
	input.markers.VMM
	not asset_tag_failed
}

asset_tag_failed if {
	input.asset_tag_present
	not input.markers.ASSET_TAG
}
`

const verdictQuery = "data.trust.trusted"

// Verdict turns per-marker trust into the single host-level trusted flag
// using a Rego module.
type Verdict struct {
	query rego.PreparedEvalQuery
}

// NewVerdict compiles module. An empty module selects DefaultVerdictModule.
func NewVerdict(ctx context.Context, module string) (*Verdict, error) {
	if module == "" {
		module = DefaultVerdictModule
	}

	query, err := rego.New(
		rego.Query(verdictQuery),
		rego.Module("trust.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile verdict policy: %w", err)
	}

	return &Verdict{query: query}, nil
}

// NewVerdictFromFile reads the Rego module at path.
func NewVerdictFromFile(ctx context.Context, path string) (*Verdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verdict policy: %w", err)
	}
	return NewVerdict(ctx, string(data))
}

// Decide evaluates the verdict for a report.
func (v *Verdict) Decide(ctx context.Context, report *TrustReport) (bool, error) {
	markers := make(map[string]interface{}, len(AllMarkers))
	for m, trusted := range report.MarkerFlags() {
		markers[string(m)] = trusted
	}

	input := map[string]interface{}{
		"markers":           markers,
		"asset_tag_present": report.HasMarker(MarkerAssetTag),
	}

	rs, err := v.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("verdict evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}

	trusted, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("verdict policy returned %T, expected bool", rs[0].Expressions[0].Value)
	}
	return trusted, nil
}
