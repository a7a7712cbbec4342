package baseline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

// Base errors
var (
	// ErrNoBaselineConfigured indicates the catalog returned no candidate
	ErrNoBaselineConfigured = errors.New("no reference baseline configured")

	// ErrBaselineMismatch indicates candidates exist but none matched the host
	ErrBaselineMismatch = errors.New("reference baseline does not match host")

	// ErrBaselineNotFound indicates a baseline lookup by ID or assignment failed
	ErrBaselineNotFound = errors.New("reference baseline not found")

	// ErrHostNotFound indicates the host is not registered
	ErrHostNotFound = errors.New("host not found")

	// ErrMissingRequiredRegisters indicates the snapshot lacks registers a policy reads
	ErrMissingRequiredRegisters = errors.New("snapshot is missing required registers")

	// ErrRemappingFailed indicates the fallback baseline search failed
	ErrRemappingFailed = errors.New("baseline remapping failed")

	// ErrInvalidBaseline indicates a baseline violates its invariants
	ErrInvalidBaseline = errors.New("invalid reference baseline")

	// ErrStorageFailure indicates a catalog backend failed
	ErrStorageFailure = errors.New("catalog storage operation failed")
)

// Error messages
const (
	MsgSnapshotCollectionFailed = "failed to collect host snapshot"
	MsgAuditWriteFailed         = "failed to write audit record"
	MsgRemapSwallowed           = "baseline remapping failed, keeping original report"
)

// NoBaselineError reports an empty candidate list for a host layer.
type NoBaselineError struct {
	Layer Layer
	Query CandidateQuery
}

func (e *NoBaselineError) Error() string {
	return fmt.Sprintf("%v for %s %s version %q", ErrNoBaselineConfigured, e.Layer, e.Query.Name, e.Query.Version)
}

func (e *NoBaselineError) Unwrap() error {
	return ErrNoBaselineConfigured
}

// NewNoBaselineError creates a new NoBaselineError
func NewNoBaselineError(query CandidateQuery) *NoBaselineError {
	return &NoBaselineError{Layer: query.Layer, Query: query}
}

// BaselineMismatchError lists the layers that are assigned an untrusted
// baseline. It is an outcome, not a failure of the resolver.
type BaselineMismatchError struct {
	HostID string
	Layers []Layer
}

func (e *BaselineMismatchError) Error() string {
	names := make([]string, len(e.Layers))
	for i, l := range e.Layers {
		names[i] = string(l)
	}
	return fmt.Sprintf("%v: host %s layers %s", ErrBaselineMismatch, e.HostID, strings.Join(names, ","))
}

func (e *BaselineMismatchError) Unwrap() error {
	return ErrBaselineMismatch
}

// NewBaselineMismatchError creates a new BaselineMismatchError
func NewBaselineMismatchError(hostID string, layers []Layer) *BaselineMismatchError {
	return &BaselineMismatchError{HostID: hostID, Layers: layers}
}

// MissingRegistersError reports registers required by the assigned
// baselines that the host did not report.
type MissingRegistersError struct {
	HostID  string
	Missing []measurement.PcrIndex
}

func (e *MissingRegistersError) Error() string {
	return fmt.Sprintf("%v: host %s missing %s", ErrMissingRequiredRegisters, e.HostID, measurement.FormatPcrList(e.Missing))
}

func (e *MissingRegistersError) Unwrap() error {
	return ErrMissingRequiredRegisters
}

// NewMissingRegistersError creates a new MissingRegistersError
func NewMissingRegistersError(hostID string, missing []measurement.PcrIndex) *MissingRegistersError {
	return &MissingRegistersError{HostID: hostID, Missing: missing}
}

// RemapError wraps a failure of the fallback search for one layer.
type RemapError struct {
	Cause  error
	HostID string
	Layer  Layer
}

func (e *RemapError) Error() string {
	return fmt.Sprintf("%v for host %s layer %s: %v", ErrRemappingFailed, e.HostID, e.Layer, e.Cause)
}

func (e *RemapError) Unwrap() []error {
	return []error{ErrRemappingFailed, e.Cause}
}

// NewRemapError creates a new RemapError
func NewRemapError(cause error, hostID string, layer Layer) *RemapError {
	return &RemapError{Cause: cause, HostID: hostID, Layer: layer}
}

// InvalidBaselineError reports a baseline that fails validation.
type InvalidBaselineError struct {
	Baseline string
	Reason   string
}

func (e *InvalidBaselineError) Error() string {
	return fmt.Sprintf("%v %s: %s", ErrInvalidBaseline, e.Baseline, e.Reason)
}

func (e *InvalidBaselineError) Unwrap() error {
	return ErrInvalidBaseline
}

// NewInvalidBaselineError creates a new InvalidBaselineError
func NewInvalidBaselineError(b *ReferenceBaseline, reason string) *InvalidBaselineError {
	name := b.Name
	if b.Version != "" {
		name += ":" + b.Version
	}
	return &InvalidBaselineError{Baseline: name, Reason: reason}
}

// StorageError wraps a catalog backend error with operation context.
type StorageError struct {
	Cause     error
	Operation string
	Key       string
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%v: %s %s: %v", ErrStorageFailure, e.Operation, e.Key, e.Cause)
	}
	return fmt.Sprintf("%v: %s: %v", ErrStorageFailure, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Cause}
}

// NewStorageError creates a new StorageError
func NewStorageError(cause error, operation, key string) *StorageError {
	return &StorageError{Cause: cause, Operation: operation, Key: key}
}

// IsNoBaselineConfigured checks if an error is a NoBaselineConfigured error
func IsNoBaselineConfigured(err error) bool {
	return errors.Is(err, ErrNoBaselineConfigured)
}

// IsBaselineMismatch checks if an error is a BaselineMismatch error
func IsBaselineMismatch(err error) bool {
	return errors.Is(err, ErrBaselineMismatch)
}

// IsMissingRegisters checks if an error is a MissingRequiredRegisters error
func IsMissingRegisters(err error) bool {
	var e *MissingRegistersError
	return errors.As(err, &e)
}

// IsNotFound checks if an error denotes a missing host or baseline
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHostNotFound) ||
		errors.Is(err, ErrBaselineNotFound) ||
		errors.Is(err, ErrNoBaselineConfigured)
}

// ResultKind classifies the outcome of a resolver operation.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultNotFound
	ResultMismatch
	ResultSystemError
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not_found"
	case ResultMismatch:
		return "mismatch"
	default:
		return "system_error"
	}
}

// Classify maps an error returned by this package, or by a collaborator it
// wraps, to a ResultKind. Callers decide retry or abort from the kind.
func Classify(err error) ResultKind {
	switch {
	case err == nil:
		return ResultOK
	case IsBaselineMismatch(err):
		return ResultMismatch
	case IsNotFound(err):
		return ResultNotFound
	default:
		return ResultSystemError
	}
}
