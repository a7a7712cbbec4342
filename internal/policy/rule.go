package policy

import (
	"crypto/x509"
	"fmt"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

// RuleKind enumerates the rule variants.
type RuleKind int

const (
	RuleConstantMatch RuleKind = iota + 1
	RuleEventLogIncludes
	RuleEventLogEqualsExcluding
	RuleEventLogIntegrity
	RuleTagCertificateTrusted
)

func (k RuleKind) String() string {
	switch k {
	case RuleConstantMatch:
		return "ConstantMatch"
	case RuleEventLogIncludes:
		return "EventLogIncludes"
	case RuleEventLogEqualsExcluding:
		return "EventLogEqualsExcluding"
	case RuleEventLogIntegrity:
		return "EventLogIntegrity"
	case RuleTagCertificateTrusted:
		return "TagCertificateTrusted"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// Rule is one declarative check against a HostSnapshot.
type Rule interface {
	Kind() RuleKind
	Markers() []Marker
	HasMarker(m Marker) bool
	// Registers lists the registers the rule reads.
	Registers() []measurement.PcrIndex
	// Apply evaluates the rule. It must not modify the snapshot.
	Apply(s *measurement.HostSnapshot) RuleResult
	Accept(v RuleVisitor)
	String() string
}

// RuleVisitor has one method per rule variant.
type RuleVisitor interface {
	VisitConstantMatch(r *ConstantMatch)
	VisitEventLogIncludes(r *EventLogIncludes)
	VisitEventLogEqualsExcluding(r *EventLogEqualsExcluding)
	VisitEventLogIntegrity(r *EventLogIntegrity)
	VisitTagCertificateTrusted(r *TagCertificateTrusted)
}

// RuleResult is the outcome of one rule. Faults is non-empty iff Trusted is false.
type RuleResult struct {
	Rule    Rule
	Trusted bool
	Faults  []Fault
}

func result(r Rule, faults ...Fault) RuleResult {
	return RuleResult{Rule: r, Trusted: len(faults) == 0, Faults: faults}
}

// ConstantMatch passes iff the register holds the expected digest.
type ConstantMatch struct {
	markerSet
	Index    measurement.PcrIndex
	Expected measurement.Digest
}

// NewConstantMatch builds a ConstantMatch rule.
func NewConstantMatch(index measurement.PcrIndex, expected measurement.Digest, markers ...Marker) (*ConstantMatch, error) {
	if !index.Valid() {
		return nil, fmt.Errorf("%w: %d", measurement.ErrInvalidPcrIndex, index)
	}
	ms, err := newMarkerSet(markers)
	if err != nil {
		return nil, err
	}
	return &ConstantMatch{markerSet: ms, Index: index, Expected: expected}, nil
}

func (r *ConstantMatch) Kind() RuleKind                    { return RuleConstantMatch }
func (r *ConstantMatch) Registers() []measurement.PcrIndex { return []measurement.PcrIndex{r.Index} }
func (r *ConstantMatch) Accept(v RuleVisitor)              { v.VisitConstantMatch(r) }
func (r *ConstantMatch) String() string {
	return fmt.Sprintf("PCR %d matches %s", r.Index, r.Expected)
}

func (r *ConstantMatch) Apply(s *measurement.HostSnapshot) RuleResult {
	actual, ok := s.Register(r.Index)
	if !ok {
		return result(r, &ValueMismatch{Index: r.Index, Expected: r.Expected, RegisterMissing: true})
	}
	if actual != r.Expected {
		return result(r, &ValueMismatch{Index: r.Index, Expected: r.Expected, Actual: actual})
	}
	return result(r)
}

// EventLogIncludes passes iff every expected measurement is in the event log.
// Extra entries in the log are ignored.
type EventLogIncludes struct {
	markerSet
	Index    measurement.PcrIndex
	Expected []measurement.Measurement
}

// NewEventLogIncludes builds an EventLogIncludes rule.
func NewEventLogIncludes(index measurement.PcrIndex, expected []measurement.Measurement, markers ...Marker) (*EventLogIncludes, error) {
	if !index.Valid() {
		return nil, fmt.Errorf("%w: %d", measurement.ErrInvalidPcrIndex, index)
	}
	ms, err := newMarkerSet(markers)
	if err != nil {
		return nil, err
	}
	return &EventLogIncludes{markerSet: ms, Index: index, Expected: cloneMeasurements(expected)}, nil
}

func (r *EventLogIncludes) Kind() RuleKind                    { return RuleEventLogIncludes }
func (r *EventLogIncludes) Registers() []measurement.PcrIndex { return []measurement.PcrIndex{r.Index} }
func (r *EventLogIncludes) Accept(v RuleVisitor)              { v.VisitEventLogIncludes(r) }
func (r *EventLogIncludes) String() string {
	return fmt.Sprintf("PCR %d event log includes %d entries", r.Index, len(r.Expected))
}

func (r *EventLogIncludes) Apply(s *measurement.HostSnapshot) RuleResult {
	actual, _ := s.EventLog(r.Index)
	missing, _ := difference(r.Expected, actual.Measurements)
	if len(missing) > 0 {
		return result(r, &MissingEntries{Index: r.Index, Entries: missing})
	}
	return result(r)
}

// EventLogEqualsExcluding requires the event log to equal the expected list,
// ignoring order. When ExcludeHostSpecific is set, entries flagged as
// host-specific are left out of the comparison on both sides.
type EventLogEqualsExcluding struct {
	markerSet
	Index               measurement.PcrIndex
	Expected            []measurement.Measurement
	ExcludeHostSpecific bool
}

// NewEventLogEqualsExcluding builds an EventLogEqualsExcluding rule.
func NewEventLogEqualsExcluding(index measurement.PcrIndex, expected []measurement.Measurement, excludeHostSpecific bool, markers ...Marker) (*EventLogEqualsExcluding, error) {
	if !index.Valid() {
		return nil, fmt.Errorf("%w: %d", measurement.ErrInvalidPcrIndex, index)
	}
	ms, err := newMarkerSet(markers)
	if err != nil {
		return nil, err
	}
	return &EventLogEqualsExcluding{
		markerSet:           ms,
		Index:               index,
		Expected:            cloneMeasurements(expected),
		ExcludeHostSpecific: excludeHostSpecific,
	}, nil
}

func (r *EventLogEqualsExcluding) Kind() RuleKind { return RuleEventLogEqualsExcluding }
func (r *EventLogEqualsExcluding) Registers() []measurement.PcrIndex {
	return []measurement.PcrIndex{r.Index}
}
func (r *EventLogEqualsExcluding) Accept(v RuleVisitor) { v.VisitEventLogEqualsExcluding(r) }
func (r *EventLogEqualsExcluding) String() string {
	return fmt.Sprintf("PCR %d event log equals %d entries (exclude host specific: %t)", r.Index, len(r.Expected), r.ExcludeHostSpecific)
}

func (r *EventLogEqualsExcluding) Apply(s *measurement.HostSnapshot) RuleResult {
	actualLog, _ := s.EventLog(r.Index)
	expected := r.Expected
	actual := actualLog.Measurements

	if r.ExcludeHostSpecific {
		excluded := make(map[string]bool)
		var kept []measurement.Measurement
		for _, m := range expected {
			if m.HostSpecific() {
				excluded[m.Label] = true
				continue
			}
			kept = append(kept, m)
		}
		expected = kept

		kept = nil
		for _, m := range actual {
			if m.HostSpecific() || excluded[m.Label] {
				continue
			}
			kept = append(kept, m)
		}
		actual = kept
	}

	missing, unexpected := difference(expected, actual)

	var faults []Fault
	if len(missing) > 0 {
		faults = append(faults, &MissingEntries{Index: r.Index, Entries: missing})
	}
	if len(unexpected) > 0 {
		faults = append(faults, &UnexpectedEntries{Index: r.Index, Entries: unexpected})
	}
	return result(r, faults...)
}

// EventLogIntegrity replays the event log from the zero digest and compares
// the result with the reported register value.
type EventLogIntegrity struct {
	markerSet
	Index measurement.PcrIndex
}

// NewEventLogIntegrity builds an EventLogIntegrity rule.
func NewEventLogIntegrity(index measurement.PcrIndex, markers ...Marker) (*EventLogIntegrity, error) {
	if !index.Valid() {
		return nil, fmt.Errorf("%w: %d", measurement.ErrInvalidPcrIndex, index)
	}
	ms, err := newMarkerSet(markers)
	if err != nil {
		return nil, err
	}
	return &EventLogIntegrity{markerSet: ms, Index: index}, nil
}

func (r *EventLogIntegrity) Kind() RuleKind { return RuleEventLogIntegrity }
func (r *EventLogIntegrity) Registers() []measurement.PcrIndex {
	return []measurement.PcrIndex{r.Index}
}
func (r *EventLogIntegrity) Accept(v RuleVisitor) { v.VisitEventLogIntegrity(r) }
func (r *EventLogIntegrity) String() string {
	return fmt.Sprintf("PCR %d event log integrity", r.Index)
}

func (r *EventLogIntegrity) Apply(s *measurement.HostSnapshot) RuleResult {
	log, _ := s.EventLog(r.Index)
	replayed := log.Replay()

	reported, ok := s.Register(r.Index)
	if !ok {
		return result(r, &IntegrityBroken{Index: r.Index, Replayed: replayed, RegisterMissing: true})
	}
	if replayed != reported {
		return result(r, &IntegrityBroken{Index: r.Index, Replayed: replayed, Reported: reported})
	}
	return result(r)
}

// TagCertificateTrusted validates the asset-tag certificate against a set of
// trusted authorities at the snapshot's collection time.
type TagCertificateTrusted struct {
	markerSet
	Authorities []*x509.Certificate
}

// NewTagCertificateTrusted builds a TagCertificateTrusted rule.
func NewTagCertificateTrusted(authorities []*x509.Certificate, markers ...Marker) (*TagCertificateTrusted, error) {
	ms, err := newMarkerSet(markers)
	if err != nil {
		return nil, err
	}
	auth := make([]*x509.Certificate, len(authorities))
	copy(auth, authorities)
	return &TagCertificateTrusted{markerSet: ms, Authorities: auth}, nil
}

func (r *TagCertificateTrusted) Kind() RuleKind                    { return RuleTagCertificateTrusted }
func (r *TagCertificateTrusted) Registers() []measurement.PcrIndex { return nil }
func (r *TagCertificateTrusted) Accept(v RuleVisitor)              { v.VisitTagCertificateTrusted(r) }
func (r *TagCertificateTrusted) String() string {
	return fmt.Sprintf("asset tag certificate trusted by %d authorities", len(r.Authorities))
}

func (r *TagCertificateTrusted) Apply(s *measurement.HostSnapshot) RuleResult {
	cert := s.AssetTagCertificate()
	if cert == nil {
		return result(r, &CertificateNotTrusted{Reason: "no asset tag certificate"})
	}
	if len(r.Authorities) == 0 {
		return result(r, &CertificateNotTrusted{Subject: cert.Subject.String(), Reason: "no trusted authorities configured"})
	}

	roots := x509.NewCertPool()
	for _, a := range r.Authorities {
		roots.AddCert(a)
	}

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: s.CollectedAt(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return result(r, &CertificateNotTrusted{Subject: cert.Subject.String(), Reason: err.Error()})
	}
	return result(r)
}

// difference computes the multiset differences expected-actual and
// actual-expected. Entries are identified by label and digest, so a module
// whose digest changed shows up on both sides.
func difference(expected, actual []measurement.Measurement) (missing, unexpected []measurement.Measurement) {
	counts := make(map[entryKey]int, len(actual))
	for _, m := range actual {
		counts[keyOf(m)]++
	}
	for _, m := range expected {
		k := keyOf(m)
		if counts[k] > 0 {
			counts[k]--
			continue
		}
		missing = append(missing, m)
	}

	remaining := make(map[entryKey]int, len(expected))
	for _, m := range expected {
		remaining[keyOf(m)]++
	}
	for _, m := range actual {
		k := keyOf(m)
		if remaining[k] > 0 {
			remaining[k]--
			continue
		}
		unexpected = append(unexpected, m)
	}
	return missing, unexpected
}

type entryKey struct {
	label  string
	digest measurement.Digest
}

func keyOf(m measurement.Measurement) entryKey {
	return entryKey{label: m.Label, digest: m.Digest}
}

func cloneMeasurements(in []measurement.Measurement) []measurement.Measurement {
	out := make([]measurement.Measurement, len(in))
	copy(out, in)
	return out
}
