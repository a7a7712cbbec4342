package baseline

import (
	"context"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

// Catalog is the persistence boundary for reference baselines and the
// per-host baseline assignment.
type Catalog interface {
	// FindCandidates returns baselines matching the query in catalog order.
	FindCandidates(ctx context.Context, query CandidateQuery) ([]*ReferenceBaseline, error)

	// FindByNamePrefix returns baselines of a layer whose name starts with prefix.
	FindByNamePrefix(ctx context.Context, layer Layer, prefix string) ([]*ReferenceBaseline, error)

	// GetAssignedBaseline returns ErrBaselineNotFound when nothing is assigned.
	GetAssignedBaseline(ctx context.Context, hostID string, layer Layer) (*ReferenceBaseline, error)

	SetAssignedBaseline(ctx context.Context, hostID string, layer Layer, b *ReferenceBaseline) error
}

// HostRepository stores registered hosts.
type HostRepository interface {
	// GetHost returns ErrHostNotFound for unknown IDs.
	GetHost(ctx context.Context, hostID string) (*Host, error)
	SaveHost(ctx context.Context, host *Host) error
}

// Writer accepts baselines and hosts from loaders.
type Writer interface {
	PutBaseline(ctx context.Context, b *ReferenceBaseline) error
	SaveHost(ctx context.Context, host *Host) error
}

// Store is a complete catalog backend.
type Store interface {
	Catalog
	HostRepository
	Writer
}

// SnapshotSource obtains a measurement snapshot from a host. required lists
// the registers the caller will evaluate; nil asks for every register.
type SnapshotSource interface {
	Collect(ctx context.Context, host *Host, required []measurement.PcrIndex) (*measurement.HostSnapshot, error)
}
