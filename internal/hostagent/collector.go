package hostagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

// Collector obtains snapshots through host agents. It implements
// baseline.SnapshotSource.
type Collector struct {
	factory Factory
	logger  *logrus.Logger
}

var _ baseline.SnapshotSource = (*Collector)(nil)

// NewCollector creates a collector over factory.
func NewCollector(factory Factory, logger *logrus.Logger) *Collector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Collector{factory: factory, logger: logger}
}

// Collect checks the measurement capability of the host, then fetches the
// required registers. A snapshot without an identity certificate is completed
// from the agent's identity endpoint.
func (c *Collector) Collect(ctx context.Context, host *baseline.Host, required []measurement.PcrIndex) (*measurement.HostSnapshot, error) {
	ctx, span := otel.Tracer("hostagent").Start(ctx, "collect_snapshot")
	defer span.End()
	span.SetAttributes(
		attribute.String("host.id", host.ID),
		attribute.String("pcrs", measurement.FormatPcrList(required)),
	)

	agent, err := c.factory.AgentFor(host)
	if err != nil {
		return nil, c.agentError(host, "connect", err)
	}

	capable, err := agent.IsMeasurementCapable(ctx)
	if err != nil {
		return nil, c.agentError(host, "host info", err)
	}
	if !capable {
		return nil, fmt.Errorf("%w: %s", ErrMeasurementNotEnabled, host.ID)
	}

	snap, err := agent.GetSnapshot(ctx, required)
	if err != nil {
		return nil, c.agentError(host, "snapshot", err)
	}

	if snap.IdentityCertificate() == nil {
		cert, err := agent.GetIdentityCertificate(ctx)
		if err != nil {
			c.logger.WithError(err).WithField("host_id", host.ID).Warn("Trust agent did not provide an identity certificate")
			return snap, nil
		}
		opts := []measurement.SnapshotOption{
			measurement.WithIdentityCertificate(cert),
			measurement.WithCollectedAt(snap.CollectedAt()),
		}
		if tag := snap.AssetTagCertificate(); tag != nil {
			opts = append(opts, measurement.WithAssetTagCertificate(tag))
		}
		return measurement.NewHostSnapshot(snap.Registers(), snap.EventLogs(), opts...)
	}
	return snap, nil
}

func (c *Collector) agentError(host *baseline.Host, op string, err error) error {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		agentErr.HostID = host.ID
		return agentErr
	}
	e := NewAgentError(host.Address, op, err)
	e.HostID = host.ID
	return e
}
