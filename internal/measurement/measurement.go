package measurement

import (
	"crypto/x509"
	"fmt"
	"sort"
	"time"
)

// Keys used in Measurement.Info.
const (
	InfoEventName      = "EventName"
	InfoComponentName  = "ComponentName"
	InfoHostSpecific   = "HostSpecificModule"
	InfoPackageName    = "PackageName"
	InfoPackageVersion = "PackageVersion"
	InfoPackageVendor  = "PackageVendor"
)

// Measurement is one named event extended into a register.
type Measurement struct {
	Label  string            `json:"label" yaml:"label"`
	Digest Digest            `json:"digest" yaml:"digest"`
	Info   map[string]string `json:"info,omitempty" yaml:"info,omitempty"`
}

// NewMeasurement validates the label and copies info.
func NewMeasurement(label string, digest Digest, info map[string]string) (Measurement, error) {
	if label == "" {
		return Measurement{}, ErrEmptyLabel
	}
	m := Measurement{Label: label, Digest: digest}
	if len(info) > 0 {
		m.Info = make(map[string]string, len(info))
		for k, v := range info {
			m.Info[k] = v
		}
	}
	return m, nil
}

// HostSpecific reports whether the measurement is flagged as a per-host module.
func (m Measurement) HostSpecific() bool {
	return m.Info[InfoHostSpecific] == "true"
}

// RegisterValue is the reported value of one register.
type RegisterValue struct {
	Index PcrIndex `json:"index" yaml:"index"`
	Value Digest   `json:"value" yaml:"value"`
}

// EventLog is the ordered list of measurements extended into one register.
type EventLog struct {
	Index        PcrIndex      `json:"index" yaml:"index"`
	Measurements []Measurement `json:"measurements" yaml:"measurements"`
}

// Replay hash-extends every measurement starting from the zero digest.
func (l EventLog) Replay() Digest {
	value := ZeroDigest
	for _, m := range l.Measurements {
		value = value.Extend(m.Digest)
	}
	return value
}

// Labels returns the set of measurement labels.
func (l EventLog) Labels() map[string]Measurement {
	out := make(map[string]Measurement, len(l.Measurements))
	for _, m := range l.Measurements {
		out[m.Label] = m
	}
	return out
}

func (l EventLog) clone() EventLog {
	c := EventLog{Index: l.Index, Measurements: make([]Measurement, len(l.Measurements))}
	copy(c.Measurements, l.Measurements)
	return c
}

// HostSnapshot is a host's reported state at one point in time. It is built
// once by NewHostSnapshot and only exposes read accessors.
type HostSnapshot struct {
	registers   map[PcrIndex]Digest
	eventLogs   map[PcrIndex]EventLog
	identity    *x509.Certificate
	assetTag    *x509.Certificate
	collectedAt time.Time
}

// SnapshotOption configures optional snapshot content.
type SnapshotOption func(*HostSnapshot)

// WithIdentityCertificate attaches the host's AIK certificate.
func WithIdentityCertificate(cert *x509.Certificate) SnapshotOption {
	return func(s *HostSnapshot) { s.identity = cert }
}

// WithAssetTagCertificate attaches the asset-tag attribute certificate.
func WithAssetTagCertificate(cert *x509.Certificate) SnapshotOption {
	return func(s *HostSnapshot) { s.assetTag = cert }
}

// WithCollectedAt overrides the collection timestamp.
func WithCollectedAt(t time.Time) SnapshotOption {
	return func(s *HostSnapshot) { s.collectedAt = t }
}

// NewHostSnapshot validates and copies the given registers and event logs.
// A register may only be reported once.
func NewHostSnapshot(registers []RegisterValue, logs []EventLog, opts ...SnapshotOption) (*HostSnapshot, error) {
	s := &HostSnapshot{
		registers:   make(map[PcrIndex]Digest, len(registers)),
		eventLogs:   make(map[PcrIndex]EventLog, len(logs)),
		collectedAt: time.Now().UTC(),
	}

	for _, r := range registers {
		if !r.Index.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPcrIndex, r.Index)
		}
		if _, dup := s.registers[r.Index]; dup {
			return nil, fmt.Errorf("duplicate value for PCR %d", r.Index)
		}
		s.registers[r.Index] = r.Value
	}

	for _, l := range logs {
		if !l.Index.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPcrIndex, l.Index)
		}
		for _, m := range l.Measurements {
			if m.Label == "" {
				return nil, fmt.Errorf("PCR %d event log: %w", l.Index, ErrEmptyLabel)
			}
		}
		s.eventLogs[l.Index] = l.clone()
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Register returns the reported value of a register.
func (s *HostSnapshot) Register(i PcrIndex) (Digest, bool) {
	d, ok := s.registers[i]
	return d, ok
}

// EventLog returns the event log for a register.
func (s *HostSnapshot) EventLog(i PcrIndex) (EventLog, bool) {
	l, ok := s.eventLogs[i]
	if !ok {
		return EventLog{}, false
	}
	return l.clone(), true
}

// Registers returns all reported register values ordered by index.
func (s *HostSnapshot) Registers() []RegisterValue {
	out := make([]RegisterValue, 0, len(s.registers))
	for i, d := range s.registers {
		out = append(out, RegisterValue{Index: i, Value: d})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// EventLogs returns all event logs ordered by register.
func (s *HostSnapshot) EventLogs() []EventLog {
	out := make([]EventLog, 0, len(s.eventLogs))
	for _, l := range s.eventLogs {
		out = append(out, l.clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// MissingRegisters lists the registers of required that were not reported.
func (s *HostSnapshot) MissingRegisters(required []PcrIndex) []PcrIndex {
	var missing []PcrIndex
	for _, p := range required {
		if _, ok := s.registers[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// IdentityCertificate returns the AIK certificate, if any.
func (s *HostSnapshot) IdentityCertificate() *x509.Certificate {
	return s.identity
}

// AssetTagCertificate returns the asset-tag certificate, if any.
func (s *HostSnapshot) AssetTagCertificate() *x509.Certificate {
	return s.assetTag
}

// CollectedAt returns when the snapshot was taken.
func (s *HostSnapshot) CollectedAt() time.Time {
	return s.collectedAt
}

// WithAssetTag returns a copy of the snapshot carrying the given asset-tag
// certificate. The receiver is not modified.
func (s *HostSnapshot) WithAssetTag(cert *x509.Certificate) *HostSnapshot {
	c := *s
	c.assetTag = cert
	return &c
}
