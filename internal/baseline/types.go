package baseline

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
	"gopkg.in/yaml.v3"
)

// Layer identifies a boot layer covered by a reference baseline.
type Layer string

const (
	LayerBIOS Layer = "BIOS"
	LayerVMM  Layer = "VMM"
)

// Layers lists the boot layers in evaluation order.
var Layers = []Layer{LayerBIOS, LayerVMM}

// Marker returns the trust marker asserted by rules built for the layer.
func (l Layer) Marker() policy.Marker {
	if l == LayerVMM {
		return policy.MarkerVMM
	}
	return policy.MarkerBIOS
}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	return l == LayerBIOS || l == LayerVMM
}

// Target restricts which hosts a baseline applies to.
type Target string

const (
	TargetGlobal Target = "GLOBAL"
	TargetOEM    Target = "OEM"
	TargetHost   Target = "HOST"
)

// Qualifiers are the vendor attributes that, together with name and
// version, form a baseline's natural key.
type Qualifiers struct {
	OEM       string `json:"oem,omitempty" yaml:"oem,omitempty"`
	OSName    string `json:"os_name,omitempty" yaml:"os_name,omitempty"`
	OSVersion string `json:"os_version,omitempty" yaml:"os_version,omitempty"`
}

// ExpectedRegister is a whitelisted register value. Value is kept as text
// so that blank or malformed entries can be skipped at rule construction.
type ExpectedRegister struct {
	Index measurement.PcrIndex `json:"index" yaml:"index"`
	Value string               `json:"value" yaml:"value"`
}

// ReferenceBaseline is an approved whitelist for one boot layer.
type ReferenceBaseline struct {
	ID                string                    `json:"id" yaml:"id"`
	Name              string                    `json:"name" yaml:"name"`
	Version           string                    `json:"version" yaml:"version"`
	Layer             Layer                     `json:"layer" yaml:"layer"`
	Qualifiers        Qualifiers                `json:"qualifiers" yaml:"qualifiers"`
	Target            Target                    `json:"target,omitempty" yaml:"target,omitempty"`
	TargetValue       string                    `json:"target_value,omitempty" yaml:"target_value,omitempty"`
	RequiredRegisters []measurement.PcrIndex    `json:"required_registers" yaml:"required_registers"`
	Registers         []ExpectedRegister        `json:"registers,omitempty" yaml:"registers,omitempty"`
	Modules           []measurement.Measurement `json:"modules,omitempty" yaml:"modules,omitempty"`
}

// Key is the natural key of the baseline: name, version and qualifiers.
func (b *ReferenceBaseline) Key() string {
	return strings.Join([]string{
		string(b.Layer), b.Name, b.Version,
		b.Qualifiers.OEM, b.Qualifiers.OSName, b.Qualifiers.OSVersion,
	}, "|")
}

// Validate checks the structural invariants of a baseline.
func (b *ReferenceBaseline) Validate() error {
	if b.Name == "" {
		return NewInvalidBaselineError(b, "name is required")
	}
	if !b.Layer.Valid() {
		return NewInvalidBaselineError(b, fmt.Sprintf("unknown layer %q", b.Layer))
	}
	if len(b.RequiredRegisters) == 0 {
		return NewInvalidBaselineError(b, "required register list is empty")
	}
	for _, idx := range b.RequiredRegisters {
		if !idx.Valid() {
			return NewInvalidBaselineError(b, fmt.Sprintf("invalid required register %d", idx))
		}
	}
	switch b.Target {
	case "", TargetGlobal, TargetOEM, TargetHost:
	default:
		return NewInvalidBaselineError(b, fmt.Sprintf("unknown target %q", b.Target))
	}
	return nil
}

func (b *ReferenceBaseline) String() string {
	return fmt.Sprintf("%s %s:%s", b.Layer, b.Name, b.Version)
}

var numericSuffix = regexp.MustCompile(`_[0-9]+$`)

// GenericName strips a trailing _NNN variant suffix from a baseline name.
// "Firmware_v1_003" becomes "Firmware_v1".
func GenericName(name string) string {
	return numericSuffix.ReplaceAllString(name, "")
}

// AssetTag binds an operator-issued certificate to a host. PCREvent is the
// value register 22 must hold once the tag has been provisioned.
type AssetTag struct {
	Certificate *x509.Certificate
	PCREvent    measurement.Digest
}

type assetTagDocument struct {
	Certificate string             `json:"certificate" yaml:"certificate"`
	PCREvent    measurement.Digest `json:"pcr_event" yaml:"pcr_event"`
}

func (t *AssetTag) document() assetTagDocument {
	doc := assetTagDocument{PCREvent: t.PCREvent}
	if t.Certificate != nil {
		doc.Certificate = string(measurement.EncodeCertificatePEM(t.Certificate))
	}
	return doc
}

func (t *AssetTag) fromDocument(doc assetTagDocument) error {
	t.PCREvent = doc.PCREvent
	if doc.Certificate == "" {
		return nil
	}
	cert, err := measurement.DecodeCertificatePEM([]byte(doc.Certificate))
	if err != nil {
		return fmt.Errorf("asset tag certificate: %w", err)
	}
	t.Certificate = cert
	return nil
}

func (t AssetTag) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.document())
}

func (t *AssetTag) UnmarshalJSON(data []byte) error {
	var doc assetTagDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return t.fromDocument(doc)
}

func (t AssetTag) MarshalYAML() (interface{}, error) {
	return t.document(), nil
}

func (t *AssetTag) UnmarshalYAML(node *yaml.Node) error {
	var doc assetTagDocument
	if err := node.Decode(&doc); err != nil {
		return err
	}
	return t.fromDocument(doc)
}

// Host is the registered description of an attested machine.
type Host struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Address     string `json:"address" yaml:"address"`
	BIOSName    string `json:"bios_name" yaml:"bios_name"`
	BIOSVersion string `json:"bios_version" yaml:"bios_version"`
	BIOSOEM     string `json:"bios_oem" yaml:"bios_oem"`
	VMMName     string `json:"vmm_name" yaml:"vmm_name"`
	VMMVersion  string `json:"vmm_version" yaml:"vmm_version"`
	OSName      string `json:"os_name" yaml:"os_name"`
	OSVersion   string `json:"os_version" yaml:"os_version"`

	// HostSpecificModules maps a module label to this host's digest for it.
	HostSpecificModules map[string]measurement.Digest `json:"host_specific_modules,omitempty" yaml:"host_specific_modules,omitempty"`

	AssetTag *AssetTag `json:"asset_tag,omitempty" yaml:"asset_tag,omitempty"`
}

// Query returns the candidate query for one layer of the host.
func (h *Host) Query(layer Layer) CandidateQuery {
	if layer == LayerVMM {
		return CandidateQuery{
			Layer:      LayerVMM,
			Name:       h.VMMName,
			Version:    h.VMMVersion,
			Qualifiers: Qualifiers{OSName: h.OSName, OSVersion: h.OSVersion},
		}
	}
	return CandidateQuery{
		Layer:      LayerBIOS,
		Name:       h.BIOSName,
		Version:    h.BIOSVersion,
		Qualifiers: Qualifiers{OEM: h.BIOSOEM},
	}
}

// CandidateQuery selects baselines that may apply to a host layer. Empty
// fields match anything.
type CandidateQuery struct {
	Layer       Layer
	Name        string
	Version     string
	Qualifiers  Qualifiers
	Target      Target
	TargetValue string
}

// Matches reports whether b satisfies the query.
func (q CandidateQuery) Matches(b *ReferenceBaseline) bool {
	if b.Layer != q.Layer {
		return false
	}
	if q.Name != "" && b.Name != q.Name {
		return false
	}
	if q.Version != "" && b.Version != q.Version {
		return false
	}
	if q.Qualifiers.OEM != "" && b.Qualifiers.OEM != q.Qualifiers.OEM {
		return false
	}
	if q.Qualifiers.OSName != "" && b.Qualifiers.OSName != q.Qualifiers.OSName {
		return false
	}
	if q.Qualifiers.OSVersion != "" && b.Qualifiers.OSVersion != q.Qualifiers.OSVersion {
		return false
	}
	if q.Target != "" {
		target := b.Target
		if target == "" {
			target = TargetGlobal
		}
		if target != q.Target {
			return false
		}
		if target != TargetGlobal && b.TargetValue != q.TargetValue {
			return false
		}
	}
	return true
}

// MatchRequest carries the measurements of a host that is not yet
// registered. Snapshot may be nil, in which case it is collected from the
// host's agent. The register lists are only used by the existence check.
type MatchRequest struct {
	Host          *Host
	Snapshot      *measurement.HostSnapshot
	Target        Target
	TargetValue   string
	BIOSRegisters []measurement.PcrIndex
	VMMRegisters  []measurement.PcrIndex
}

// Assignment is the baseline chosen for each layer of a host.
type Assignment struct {
	HostID      string
	BIOS        *ReferenceBaseline
	VMM         *ReferenceBaseline
	BIOSTrusted bool
	VMMTrusted  bool
}

// Baseline returns the assignment for a layer.
func (a *Assignment) Baseline(layer Layer) *ReferenceBaseline {
	if layer == LayerVMM {
		return a.VMM
	}
	return a.BIOS
}

// Trusted returns the trust of a layer.
func (a *Assignment) Trusted(layer Layer) bool {
	if layer == LayerVMM {
		return a.VMMTrusted
	}
	return a.BIOSTrusted
}

func (a *Assignment) set(layer Layer, b *ReferenceBaseline, trusted bool) {
	if layer == LayerVMM {
		a.VMM, a.VMMTrusted = b, trusted
		return
	}
	a.BIOS, a.BIOSTrusted = b, trusted
}

// Err returns a BaselineMismatchError when a layer was assigned a baseline
// that does not match the host.
func (a *Assignment) Err() error {
	var untrusted []Layer
	for _, l := range Layers {
		if !a.Trusted(l) {
			untrusted = append(untrusted, l)
		}
	}
	if len(untrusted) == 0 {
		return nil
	}
	return NewBaselineMismatchError(a.HostID, untrusted)
}

// MatchSummary is the result of a dry-run baseline search.
type MatchSummary struct {
	BIOS         bool
	VMM          bool
	BIOSBaseline *ReferenceBaseline
	VMMBaseline  *ReferenceBaseline
}

func (s MatchSummary) String() string {
	return fmt.Sprintf("BIOS:%t|VMM:%t", s.BIOS, s.VMM)
}
