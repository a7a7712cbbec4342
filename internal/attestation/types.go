package attestation

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
)

// DefaultCacheTTL is how long a decision is served without re-evaluation.
const DefaultCacheTTL = time.Hour

// ErrAssertionUnavailable indicates no assertion service is configured
var ErrAssertionUnavailable = errors.New("assertion service not configured")

// CachedDecision is the cached outcome of one host evaluation.
type CachedDecision struct {
	HostID      string                 `cbor:"1,keyasint" json:"host_id"`
	Markers     map[policy.Marker]bool `cbor:"2,keyasint" json:"markers"`
	Trusted     bool                   `cbor:"3,keyasint" json:"trusted"`
	BIOS        string                 `cbor:"4,keyasint,omitempty" json:"bios,omitempty"`
	VMM         string                 `cbor:"5,keyasint,omitempty" json:"vmm,omitempty"`
	Remapped    []string               `cbor:"6,keyasint,omitempty" json:"remapped,omitempty"`
	Faults      []string               `cbor:"7,keyasint,omitempty" json:"faults,omitempty"`
	EvaluatedAt time.Time              `cbor:"8,keyasint" json:"evaluated_at"`
}

// NewCachedDecision captures an evaluation.
func NewCachedDecision(eval *baseline.Evaluation) *CachedDecision {
	d := &CachedDecision{
		HostID:      eval.Assignment.HostID,
		Markers:     eval.Report.MarkerFlags(policy.AllMarkers...),
		Trusted:     eval.Trusted,
		EvaluatedAt: eval.EvaluatedAt,
	}
	if d.HostID == "" && eval.Host != nil {
		d.HostID = eval.Host.ID
	}
	if !eval.Report.HasMarker(policy.MarkerAssetTag) {
		delete(d.Markers, policy.MarkerAssetTag)
	}
	if eval.Assignment.BIOS != nil {
		d.BIOS = eval.Assignment.BIOS.Key()
	}
	if eval.Assignment.VMM != nil {
		d.VMM = eval.Assignment.VMM.Key()
	}
	for _, l := range eval.Remapped {
		d.Remapped = append(d.Remapped, string(l))
	}
	for _, f := range eval.Report.Faults() {
		d.Faults = append(d.Faults, f.String())
	}
	return d
}

// FreshAt reports whether the decision may be served at now. A decision
// written at T is fresh for reads before T+ttl.
func (d *CachedDecision) FreshAt(now time.Time, ttl time.Duration) bool {
	return now.Before(d.EvaluatedAt.Add(ttl))
}

// Result is what the service returns for a host.
type Result struct {
	Decision *CachedDecision
	// Cached is true when the decision was served without re-evaluation.
	Cached bool
	// Evaluation is nil when Cached is true.
	Evaluation *baseline.Evaluation
}

// Evaluator is the resolver surface the service drives.
type Evaluator interface {
	Evaluate(ctx context.Context, hostID string) (*baseline.Evaluation, error)
	MatchNewHost(ctx context.Context, req *baseline.MatchRequest) (*baseline.Assignment, error)
	CheckBaselineExistsForHost(ctx context.Context, req *baseline.MatchRequest) (*baseline.MatchSummary, error)
}

// Assertion is a signed statement of a host's trust.
type Assertion struct {
	HostID  string
	Blob    []byte
	Expires time.Time
}

// AssertionService issues trust assertions (for example SAML) from a report.
type AssertionService interface {
	GenerateAssertion(ctx context.Context, report *policy.TrustReport, tagCertificate *x509.Certificate) ([]byte, time.Time, error)
}
