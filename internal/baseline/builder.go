package baseline

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
	"github.com/sirupsen/logrus"
)

// MissingHostSpecificPrefix labels an expected host-specific module for
// which the host has no recorded digest.
const MissingHostSpecificPrefix = "Missing host-specific module: "

// BuilderConfig configures rule construction.
type BuilderConfig struct {
	// VerifyMLE builds rules for validating a baseline against a golden
	// host: host-specific modules are excluded and no integrity rule is added.
	VerifyMLE bool

	// TagAuthorities are the trusted issuers of asset-tag certificates.
	TagAuthorities []*x509.Certificate
}

// PolicyBuilder turns reference baselines into policies.
type PolicyBuilder struct {
	config BuilderConfig
	logger *logrus.Logger
}

// NewPolicyBuilder creates a PolicyBuilder
func NewPolicyBuilder(config BuilderConfig, logger *logrus.Logger) *PolicyBuilder {
	if logger == nil {
		logger = logrus.New()
	}
	return &PolicyBuilder{config: config, logger: logger}
}

// VerificationBuilder returns a builder with the same authorities in
// VerifyMLE mode.
func (pb *PolicyBuilder) VerificationBuilder() *PolicyBuilder {
	if pb.config.VerifyMLE {
		return pb
	}
	cfg := pb.config
	cfg.VerifyMLE = true
	return &PolicyBuilder{config: cfg, logger: pb.logger}
}

// LayerPolicy builds the rules of a single baseline, all marked with the
// baseline's layer.
func (pb *PolicyBuilder) LayerPolicy(b *ReferenceBaseline, host *Host) (*policy.Policy, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil baseline", ErrInvalidBaseline)
	}
	marker := b.Layer.Marker()
	p, _ := policy.NewPolicy()

	moduleRules := len(b.Modules) > 0 && containsPcr(b.RequiredRegisters, measurement.PcrModules)

	for _, reg := range b.Registers {
		if reg.Index == measurement.PcrModules && moduleRules {
			continue
		}
		value := strings.TrimSpace(reg.Value)
		if value == "" {
			pb.logger.WithFields(logrus.Fields{"baseline": b.String(), "pcr": reg.Index}).Debug("Blank register value, skipped")
			continue
		}
		digest, err := measurement.ParseDigest(value)
		if err != nil {
			pb.logger.WithFields(logrus.Fields{"baseline": b.String(), "pcr": reg.Index, "value": reg.Value}).Warn("Invalid register value, skipped")
			continue
		}
		rule, err := policy.NewConstantMatch(reg.Index, digest, marker)
		if err != nil {
			pb.logger.WithError(err).WithField("baseline", b.String()).Warn("Invalid register rule, skipped")
			continue
		}
		if err := p.Add(rule); err != nil {
			return nil, err
		}
	}

	if moduleRules {
		if err := pb.addModuleRules(p, b, host); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (pb *PolicyBuilder) addModuleRules(p *policy.Policy, b *ReferenceBaseline, host *Host) error {
	marker := b.Layer.Marker()
	expected := pb.expectedModules(b, host)

	var rule policy.Rule
	var err error
	if b.Layer == LayerBIOS {
		rule, err = policy.NewEventLogIncludes(measurement.PcrModules, expected, marker)
	} else {
		rule, err = policy.NewEventLogEqualsExcluding(measurement.PcrModules, expected, pb.config.VerifyMLE, marker)
	}
	if err != nil {
		return err
	}
	if err := p.Add(rule); err != nil {
		return err
	}

	if pb.config.VerifyMLE {
		return nil
	}
	integrity, err := policy.NewEventLogIntegrity(measurement.PcrModules, marker)
	if err != nil {
		return err
	}
	return p.Add(integrity)
}

// expectedModules resolves host-specific module digests from the host's
// overrides.
func (pb *PolicyBuilder) expectedModules(b *ReferenceBaseline, host *Host) []measurement.Measurement {
	out := make([]measurement.Measurement, 0, len(b.Modules))
	for _, m := range b.Modules {
		if !m.HostSpecific() {
			out = append(out, m)
			continue
		}
		if pb.config.VerifyMLE {
			out = append(out, m)
			continue
		}

		resolved := measurement.Measurement{Label: m.Label, Digest: measurement.ZeroDigest, Info: m.Info}
		digest, ok := hostModuleDigest(host, m.Label)
		if ok {
			resolved.Digest = digest
		} else {
			resolved.Label = MissingHostSpecificPrefix + m.Label
			pb.logger.WithFields(logrus.Fields{"baseline": b.String(), "module": m.Label}).Debug("No host-specific digest recorded")
		}
		out = append(out, resolved)
	}
	return out
}

func hostModuleDigest(host *Host, label string) (measurement.Digest, bool) {
	if host == nil || host.HostSpecificModules == nil {
		return measurement.Digest{}, false
	}
	d, ok := host.HostSpecificModules[label]
	return d, ok
}

// AssetTagPolicy builds the asset-tag rules for a host, or an empty policy
// when the host carries no tag.
func (pb *PolicyBuilder) AssetTagPolicy(host *Host) (*policy.Policy, error) {
	p, _ := policy.NewPolicy()
	if host == nil || host.AssetTag == nil || host.AssetTag.Certificate == nil {
		return p, nil
	}

	match, err := policy.NewConstantMatch(measurement.PcrAssetTag, host.AssetTag.PCREvent, policy.MarkerAssetTag)
	if err != nil {
		return nil, err
	}
	trusted, err := policy.NewTagCertificateTrusted(pb.config.TagAuthorities, policy.MarkerAssetTag)
	if err != nil {
		return nil, err
	}
	if err := p.Add(match); err != nil {
		return nil, err
	}
	if err := p.Add(trusted); err != nil {
		return nil, err
	}
	return p, nil
}

// HostPolicy combines the layer policies of both assignments with the
// host's asset-tag rules. A nil baseline contributes no rules.
func (pb *PolicyBuilder) HostPolicy(host *Host, bios, vmm *ReferenceBaseline) (*policy.Policy, error) {
	combined, _ := policy.NewPolicy()
	for _, b := range []*ReferenceBaseline{bios, vmm} {
		if b == nil {
			continue
		}
		p, err := pb.LayerPolicy(b, host)
		if err != nil {
			return nil, err
		}
		combined = combined.Merge(p)
	}

	tag, err := pb.AssetTagPolicy(host)
	if err != nil {
		return nil, err
	}
	return combined.Merge(tag), nil
}

// RequiredRegisters is the union of the baselines' required registers, plus
// the asset-tag register when the host carries a tag.
func RequiredRegisters(host *Host, baselines ...*ReferenceBaseline) []measurement.PcrIndex {
	seen := make(map[measurement.PcrIndex]bool)
	var out []measurement.PcrIndex
	add := func(idx measurement.PcrIndex) {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	for _, b := range baselines {
		if b == nil {
			continue
		}
		for _, idx := range b.RequiredRegisters {
			add(idx)
		}
	}
	if host != nil && host.AssetTag != nil && host.AssetTag.Certificate != nil {
		add(measurement.PcrAssetTag)
	}
	measurement.SortPcrs(out)
	return out
}

func containsPcr(list []measurement.PcrIndex, idx measurement.PcrIndex) bool {
	for _, i := range list {
		if i == idx {
			return true
		}
	}
	return false
}
