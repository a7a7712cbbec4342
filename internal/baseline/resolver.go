package baseline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/enterprise/attestation-trust-engine/internal/audit"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ResolverConfig wires the resolver's collaborators. Catalog, Hosts and
// Source are required.
type ResolverConfig struct {
	Catalog Catalog
	Hosts   HostRepository
	Source  SnapshotSource
	Builder *PolicyBuilder
	Verdict *policy.Verdict
	Sink    audit.Sink
	Metrics *Metrics
	Logger  *logrus.Logger

	// AutoRemap enables the fallback search for untrusted layers.
	AutoRemap bool

	Now func() time.Time
}

// Resolver decides which reference baselines apply to a host and produces
// its trust report.
type Resolver struct {
	catalog   Catalog
	hosts     HostRepository
	source    SnapshotSource
	builder   *PolicyBuilder
	verdict   *policy.Verdict
	engine    *policy.Engine
	sink      audit.Sink
	metrics   *Metrics
	logger    *logrus.Logger
	autoRemap bool
	now       func() time.Time
}

// Evaluation is the outcome of a steady-state host evaluation.
type Evaluation struct {
	Host        *Host
	Assignment  Assignment
	Report      *policy.TrustReport
	Trusted     bool
	Remapped    []Layer
	Required    []measurement.PcrIndex
	EvaluatedAt time.Time
}

// LayerMatch is the outcome of resolving one layer.
type LayerMatch struct {
	Layer    Layer
	Baseline *ReferenceBaseline
	Trusted  bool
	Examined int
	Report   *policy.TrustReport
}

// NewResolver creates a Resolver
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Catalog == nil || config.Hosts == nil || config.Source == nil {
		return nil, errors.New("resolver requires a catalog, a host repository and a snapshot source")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Builder == nil {
		config.Builder = NewPolicyBuilder(BuilderConfig{}, config.Logger)
	}
	if config.Sink == nil {
		config.Sink = audit.NewLogSink(config.Logger)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Resolver{
		catalog:   config.Catalog,
		hosts:     config.Hosts,
		source:    config.Source,
		builder:   config.Builder,
		verdict:   config.Verdict,
		engine:    policy.NewEngine(),
		sink:      config.Sink,
		metrics:   config.Metrics,
		logger:    config.Logger,
		autoRemap: config.AutoRemap,
		now:       config.Now,
	}, nil
}

// ResolveLayer picks the baseline for one layer of host. Candidates are
// tried in catalog order and the first one whose layer marker is trusted
// wins. When none is trusted the last candidate examined is returned with
// Trusted false. An empty candidate list is a NoBaselineError.
func (r *Resolver) ResolveLayer(ctx context.Context, layer Layer, host *Host, snapshot *measurement.HostSnapshot, query CandidateQuery) (*LayerMatch, error) {
	return r.resolveLayer(ctx, layer, host, snapshot, query, nil)
}

func (r *Resolver) resolveLayer(ctx context.Context, layer Layer, host *Host, snapshot *measurement.HostSnapshot, query CandidateQuery, filter func(*ReferenceBaseline) bool) (*LayerMatch, error) {
	query.Layer = layer
	candidates, err := r.catalog.FindCandidates(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s candidates: %w", layer, err)
	}
	if filter != nil {
		kept := candidates[:0:0]
		for _, c := range candidates {
			if filter(c) {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		r.metrics.resolution(layer, "none")
		return nil, NewNoBaselineError(query)
	}

	match := &LayerMatch{Layer: layer}
	for _, c := range candidates {
		trusted, report, err := r.trial(c, host, snapshot)
		if err != nil {
			return nil, err
		}
		r.metrics.candidate(layer)

		match.Baseline = c
		match.Report = report
		match.Examined++
		if trusted {
			match.Trusted = true
			break
		}
	}

	outcome := "mismatch"
	if match.Trusted {
		outcome = "matched"
	}
	r.metrics.resolution(layer, outcome)

	r.logger.WithFields(logrus.Fields{
		"layer":    layer,
		"baseline": match.Baseline.String(),
		"trusted":  match.Trusted,
		"examined": match.Examined,
	}).Debug("Layer resolved")

	return match, nil
}

// trial evaluates a single-layer policy built fresh for candidate c.
func (r *Resolver) trial(c *ReferenceBaseline, host *Host, snapshot *measurement.HostSnapshot) (bool, *policy.TrustReport, error) {
	p, err := r.builder.LayerPolicy(c, host)
	if err != nil {
		return false, nil, fmt.Errorf("failed to build policy for %s: %w", c, err)
	}
	report := r.engine.Evaluate(snapshot, p)
	return report.IsTrustedForMarker(c.Layer.Marker()), report, nil
}

// remapTrial evaluates a remap candidate. VMM candidates are checked in
// baseline-verification mode, without host-specific modules or the integrity
// rule, so a drifted host-specific module does not hide a matching variant.
func (r *Resolver) remapTrial(c *ReferenceBaseline, host *Host, snapshot *measurement.HostSnapshot) (bool, *policy.TrustReport, error) {
	if c.Layer != LayerVMM {
		return r.trial(c, host, snapshot)
	}
	p, err := r.builder.VerificationBuilder().LayerPolicy(c, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to build policy for %s: %w", c, err)
	}
	report := r.engine.Evaluate(snapshot, p)
	return report.IsTrustedForMarker(c.Layer.Marker()), report, nil
}

// MatchNewHost resolves both layers for a host being registered, persists
// the host and its assignment, and returns the assignment. An untrusted
// layer is not an error; Assignment.Err reports it.
func (r *Resolver) MatchNewHost(ctx context.Context, req *MatchRequest) (*Assignment, error) {
	ctx, span := otel.Tracer("resolver").Start(ctx, "match_new_host")
	defer span.End()

	if req == nil || req.Host == nil || req.Host.ID == "" {
		return nil, errors.New("match request requires a host with an ID")
	}
	host := req.Host
	span.SetAttributes(attribute.String("host.id", host.ID))

	snapshot, err := r.requestSnapshot(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	assignment := &Assignment{HostID: host.ID}
	for _, layer := range Layers {
		query := host.Query(layer)
		query.Target, query.TargetValue = req.Target, req.TargetValue

		match, err := r.resolveLayer(ctx, layer, host, snapshot, query, nil)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		assignment.set(layer, match.Baseline, match.Trusted)
	}

	if err := r.hosts.SaveHost(ctx, host); err != nil {
		return nil, fmt.Errorf("failed to save host %s: %w", host.ID, err)
	}
	for _, layer := range Layers {
		if err := r.catalog.SetAssignedBaseline(ctx, host.ID, layer, assignment.Baseline(layer)); err != nil {
			return nil, fmt.Errorf("failed to assign %s baseline: %w", layer, err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"host_id":      host.ID,
		"bios":         assignment.BIOS.String(),
		"vmm":          assignment.VMM.String(),
		"bios_trusted": assignment.BIOSTrusted,
		"vmm_trusted":  assignment.VMMTrusted,
	}).Info("Host matched to reference baselines")

	return assignment, nil
}

// CheckBaselineExistsForHost is a dry run of MatchNewHost: only candidates
// whose required register list is set-equal to the requested list for the
// layer are considered and nothing is written. A layer without candidates
// reports false.
func (r *Resolver) CheckBaselineExistsForHost(ctx context.Context, req *MatchRequest) (*MatchSummary, error) {
	if req == nil || req.Host == nil {
		return nil, errors.New("match request requires a host")
	}
	snapshot, err := r.requestSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	summary := &MatchSummary{}
	for _, layer := range Layers {
		requested := req.BIOSRegisters
		if layer == LayerVMM {
			requested = req.VMMRegisters
		}
		filter := func(b *ReferenceBaseline) bool {
			return measurement.SamePcrSet(b.RequiredRegisters, requested)
		}

		query := req.Host.Query(layer)
		query.Target, query.TargetValue = req.Target, req.TargetValue

		match, err := r.resolveLayer(ctx, layer, req.Host, snapshot, query, filter)
		if IsNoBaselineConfigured(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !match.Trusted {
			continue
		}
		if layer == LayerVMM {
			summary.VMM, summary.VMMBaseline = true, match.Baseline
		} else {
			summary.BIOS, summary.BIOSBaseline = true, match.Baseline
		}
	}
	return summary, nil
}

func (r *Resolver) requestSnapshot(ctx context.Context, req *MatchRequest) (*measurement.HostSnapshot, error) {
	if req.Snapshot != nil {
		return req.Snapshot, nil
	}
	snapshot, err := r.source.Collect(ctx, req.Host, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MsgSnapshotCollectionFailed, err)
	}
	return snapshot, nil
}

// Evaluate attests a registered host against its assigned baselines,
// optionally remapping untrusted layers, and writes the audit records.
func (r *Resolver) Evaluate(ctx context.Context, hostID string) (*Evaluation, error) {
	ctx, span := otel.Tracer("resolver").Start(ctx, "evaluate_host")
	defer span.End()
	span.SetAttributes(attribute.String("host.id", hostID))

	eval, err := r.evaluate(ctx, hostID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("trust.bios", eval.Assignment.BIOSTrusted),
		attribute.Bool("trust.vmm", eval.Assignment.VMMTrusted),
		attribute.Bool("trust.overall", eval.Trusted),
	)
	return eval, nil
}

func (r *Resolver) evaluate(ctx context.Context, hostID string) (*Evaluation, error) {
	host, err := r.hosts.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	assignment := Assignment{HostID: hostID}
	for _, layer := range Layers {
		b, err := r.catalog.GetAssignedBaseline(ctx, hostID, layer)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s assignment for host %s: %w", layer, hostID, err)
		}
		assignment.set(layer, b, false)
	}

	required := RequiredRegisters(host, assignment.BIOS, assignment.VMM)
	snapshot, err := r.source.Collect(ctx, host, required)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MsgSnapshotCollectionFailed, err)
	}
	if missing := snapshot.MissingRegisters(required); len(missing) > 0 {
		return nil, NewMissingRegistersError(hostID, missing)
	}
	if host.AssetTag != nil && host.AssetTag.Certificate != nil {
		snapshot = snapshot.WithAssetTag(host.AssetTag.Certificate)
	}

	report, err := r.evaluateAssignment(host, snapshot, &assignment)
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{
		Host:     host,
		Report:   report,
		Required: required,
	}

	if r.autoRemap && (!assignment.BIOSTrusted || !assignment.VMMTrusted) {
		remapped, changed, err := r.UpdateIfUntrusted(ctx, host, snapshot, assignment)
		if err != nil {
			r.logger.WithError(err).WithField("host_id", hostID).Warn(MsgRemapSwallowed)
		} else if len(changed) > 0 {
			newReport, err := r.evaluateAssignment(host, snapshot, remapped)
			if err != nil {
				r.logger.WithError(err).WithField("host_id", hostID).Warn(MsgRemapSwallowed)
				r.restoreAssignment(ctx, assignment, changed)
			} else {
				assignment = *remapped
				eval.Report = newReport
				eval.Remapped = changed
			}
		}
	}

	eval.Assignment = assignment
	eval.Trusted, err = r.decide(ctx, eval.Report)
	if err != nil {
		return nil, err
	}
	eval.EvaluatedAt = r.now()

	r.countFaults(eval.Report)
	r.record(ctx, eval)

	return eval, nil
}

// evaluateAssignment runs the combined policy and updates the per-layer
// trust flags of a.
func (r *Resolver) evaluateAssignment(host *Host, snapshot *measurement.HostSnapshot, a *Assignment) (*policy.TrustReport, error) {
	p, err := r.builder.HostPolicy(host, a.BIOS, a.VMM)
	if err != nil {
		return nil, fmt.Errorf("failed to build host policy: %w", err)
	}
	report := r.engine.Evaluate(snapshot, p)
	a.BIOSTrusted = report.IsTrustedForMarker(policy.MarkerBIOS)
	a.VMMTrusted = report.IsTrustedForMarker(policy.MarkerVMM)
	return report, nil
}

// UpdateIfUntrusted searches, for each untrusted layer of a, baselines that
// share the generic name of the current assignment. Each candidate is
// evaluated alone, with the other layer's rules absent. Replacements are
// persisted only after every layer's search has succeeded; a failed write
// restores the layers already written. It returns the updated assignment and
// the layers that changed. On error the stored assignment is a.
func (r *Resolver) UpdateIfUntrusted(ctx context.Context, host *Host, snapshot *measurement.HostSnapshot, a Assignment) (*Assignment, []Layer, error) {
	ctx, span := otel.Tracer("resolver").Start(ctx, "update_if_untrusted")
	defer span.End()

	type remap struct {
		layer    Layer
		from, to *ReferenceBaseline
	}
	var found []remap

	for _, layer := range Layers {
		if a.Trusted(layer) {
			continue
		}
		current := a.Baseline(layer)
		if current == nil {
			continue
		}

		replacement, err := r.remapLayer(ctx, layer, host, snapshot, current)
		if err != nil {
			r.metrics.remap(layer, "failed")
			span.RecordError(err)
			return nil, nil, NewRemapError(err, host.ID, layer)
		}
		if replacement == nil {
			r.metrics.remap(layer, "not_found")
			continue
		}
		found = append(found, remap{layer: layer, from: current, to: replacement})
	}

	updated := a
	changed := make([]Layer, 0, len(found))
	for _, m := range found {
		if err := r.catalog.SetAssignedBaseline(ctx, host.ID, m.layer, m.to); err != nil {
			r.metrics.remap(m.layer, "failed")
			span.RecordError(err)
			r.restoreAssignment(ctx, a, changed)
			return nil, nil, NewRemapError(err, host.ID, m.layer)
		}
		updated.set(m.layer, m.to, true)
		changed = append(changed, m.layer)
	}

	for _, m := range found {
		r.metrics.remap(m.layer, "remapped")
		r.logger.WithFields(logrus.Fields{
			"host_id": host.ID,
			"layer":   m.layer,
			"from":    m.from.String(),
			"to":      m.to.String(),
		}).Info("Host remapped to alternate baseline")
	}

	return &updated, changed, nil
}

// restoreAssignment writes back a's baselines for layers.
func (r *Resolver) restoreAssignment(ctx context.Context, a Assignment, layers []Layer) {
	for _, layer := range layers {
		if err := r.catalog.SetAssignedBaseline(ctx, a.HostID, layer, a.Baseline(layer)); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"host_id": a.HostID,
				"layer":   layer,
			}).Error("Failed to restore assignment after remap failure")
		}
	}
}

func (r *Resolver) remapLayer(ctx context.Context, layer Layer, host *Host, snapshot *measurement.HostSnapshot, current *ReferenceBaseline) (*ReferenceBaseline, error) {
	prefix := GenericName(current.Name)
	candidates, err := r.catalog.FindByNamePrefix(ctx, layer, prefix)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if sameBaseline(c, current) {
			continue
		}
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		trusted, _, err := r.remapTrial(c, host, snapshot)
		if err != nil {
			return nil, err
		}
		r.metrics.candidate(layer)
		if trusted {
			return c, nil
		}
	}
	return nil, nil
}

func sameBaseline(a, b *ReferenceBaseline) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Key() == b.Key()
}

func (r *Resolver) decide(ctx context.Context, report *policy.TrustReport) (bool, error) {
	if r.verdict != nil {
		return r.verdict.Decide(ctx, report)
	}
	trusted := report.IsTrustedForMarker(policy.MarkerBIOS) && report.IsTrustedForMarker(policy.MarkerVMM)
	if report.HasMarker(policy.MarkerAssetTag) {
		trusted = trusted && report.IsTrustedForMarker(policy.MarkerAssetTag)
	}
	return trusted, nil
}

func (r *Resolver) countFaults(report *policy.TrustReport) {
	for _, f := range report.Faults() {
		r.metrics.fault(f.Kind().String())
	}
}

// record writes the decision and per-register records. Audit failures are
// logged and do not fail the evaluation.
func (r *Resolver) record(ctx context.Context, eval *Evaluation) {
	decision := audit.NewDecision(eval.Host.ID, eval.Report, eval.Trusted, eval.EvaluatedAt)
	if err := r.sink.RecordDecision(ctx, decision); err != nil {
		r.logger.WithError(err).WithField("host_id", eval.Host.ID).Warn(MsgAuditWriteFailed)
	}

	for _, detail := range audit.RegisterDetails(eval.Host.ID, eval.Report, eval.Required, eval.EvaluatedAt) {
		if err := r.sink.RecordRegisterDetail(ctx, detail); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"host_id": eval.Host.ID,
				"pcr":     int(detail.Index),
			}).Warn(MsgAuditWriteFailed)
		}
	}
}
