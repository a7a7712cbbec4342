package policy

import (
	"fmt"
	"strings"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

// FaultKind enumerates the fault variants.
type FaultKind int

const (
	FaultMissingEntries FaultKind = iota + 1
	FaultUnexpectedEntries
	FaultIntegrityBroken
	FaultValueMismatch
	FaultCertificateNotTrusted
)

func (k FaultKind) String() string {
	switch k {
	case FaultMissingEntries:
		return "MissingEntries"
	case FaultUnexpectedEntries:
		return "UnexpectedEntries"
	case FaultIntegrityBroken:
		return "IntegrityBroken"
	case FaultValueMismatch:
		return "ValueMismatch"
	case FaultCertificateNotTrusted:
		return "CertificateNotTrusted"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault explains why a rule was not satisfied.
type Fault interface {
	Kind() FaultKind
	String() string
	Accept(v FaultVisitor)
}

// FaultVisitor has one method per fault variant.
type FaultVisitor interface {
	VisitMissingEntries(f *MissingEntries)
	VisitUnexpectedEntries(f *UnexpectedEntries)
	VisitIntegrityBroken(f *IntegrityBroken)
	VisitValueMismatch(f *ValueMismatch)
	VisitCertificateNotTrusted(f *CertificateNotTrusted)
}

// MissingEntries lists expected measurements absent from the event log.
type MissingEntries struct {
	Index   measurement.PcrIndex
	Entries []measurement.Measurement
}

func (f *MissingEntries) Kind() FaultKind       { return FaultMissingEntries }
func (f *MissingEntries) Accept(v FaultVisitor) { v.VisitMissingEntries(f) }
func (f *MissingEntries) String() string {
	return fmt.Sprintf("PCR %d event log is missing %d entries: %s", f.Index, len(f.Entries), labels(f.Entries))
}

// UnexpectedEntries lists measurements present in the event log but not expected.
type UnexpectedEntries struct {
	Index   measurement.PcrIndex
	Entries []measurement.Measurement
}

func (f *UnexpectedEntries) Kind() FaultKind       { return FaultUnexpectedEntries }
func (f *UnexpectedEntries) Accept(v FaultVisitor) { v.VisitUnexpectedEntries(f) }
func (f *UnexpectedEntries) String() string {
	return fmt.Sprintf("PCR %d event log contains %d unexpected entries: %s", f.Index, len(f.Entries), labels(f.Entries))
}

// IntegrityBroken means replaying the event log does not reproduce the
// reported register value.
type IntegrityBroken struct {
	Index    measurement.PcrIndex
	Replayed measurement.Digest
	Reported measurement.Digest
	// RegisterMissing is set when the snapshot carried no value for Index.
	RegisterMissing bool
}

func (f *IntegrityBroken) Kind() FaultKind       { return FaultIntegrityBroken }
func (f *IntegrityBroken) Accept(v FaultVisitor) { v.VisitIntegrityBroken(f) }
func (f *IntegrityBroken) String() string {
	if f.RegisterMissing {
		return fmt.Sprintf("PCR %d not reported, event log replays to %s", f.Index, f.Replayed)
	}
	return fmt.Sprintf("PCR %d event log replays to %s but register is %s", f.Index, f.Replayed, f.Reported)
}

// ValueMismatch means a register does not hold its expected constant.
type ValueMismatch struct {
	Index           measurement.PcrIndex
	Expected        measurement.Digest
	Actual          measurement.Digest
	RegisterMissing bool
}

func (f *ValueMismatch) Kind() FaultKind       { return FaultValueMismatch }
func (f *ValueMismatch) Accept(v FaultVisitor) { v.VisitValueMismatch(f) }
func (f *ValueMismatch) String() string {
	if f.RegisterMissing {
		return fmt.Sprintf("PCR %d not reported, expected %s", f.Index, f.Expected)
	}
	return fmt.Sprintf("PCR %d is %s, expected %s", f.Index, f.Actual, f.Expected)
}

// CertificateNotTrusted means the asset-tag certificate failed validation.
type CertificateNotTrusted struct {
	Subject string
	Reason  string
}

func (f *CertificateNotTrusted) Kind() FaultKind       { return FaultCertificateNotTrusted }
func (f *CertificateNotTrusted) Accept(v FaultVisitor) { v.VisitCertificateNotTrusted(f) }
func (f *CertificateNotTrusted) String() string {
	if f.Subject == "" {
		return "asset tag certificate not trusted: " + f.Reason
	}
	return fmt.Sprintf("asset tag certificate %q not trusted: %s", f.Subject, f.Reason)
}

func labels(entries []measurement.Measurement) string {
	names := make([]string, len(entries))
	for i, m := range entries {
		names[i] = m.Label
	}
	return strings.Join(names, ", ")
}
