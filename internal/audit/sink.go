package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink receives audit records. Implementations must be safe for concurrent
// use; records already written are never rolled back.
type Sink interface {
	RecordDecision(ctx context.Context, d *Decision) error
	RecordRegisterDetail(ctx context.Context, d *RegisterDetail) error
}

func newID() string {
	return uuid.New().String()
}

// LogSink writes audit records as structured log entries.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a new LogSink
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordDecision(ctx context.Context, d *Decision) error {
	s.logger.WithFields(logrus.Fields{
		"audit_id":  d.ID,
		"host_id":   d.HostID,
		"summary":   d.Summary(),
		"trusted":   d.Trusted,
		"timestamp": d.Timestamp,
	}).Info("Trust decision recorded")
	return nil
}

func (s *LogSink) RecordRegisterDetail(ctx context.Context, d *RegisterDetail) error {
	entry := s.logger.WithFields(logrus.Fields{
		"audit_id": d.ID,
		"host_id":  d.HostID,
		"pcr":      int(d.Index),
		"value":    d.Value,
		"trusted":  d.Trusted,
	})
	if d.Trusted {
		entry.Debug("Register trusted")
		return nil
	}
	entry.WithField("error", d.ErrorDetail).Info("Register untrusted")
	for _, m := range d.Modules {
		entry.WithFields(logrus.Fields{
			"module":    m.Name,
			"actual":    m.Actual,
			"whitelist": m.Whitelist,
		}).Info("Module mismatch")
	}
	return nil
}

// MemorySink keeps records in memory. Used by tests and the embedded API.
type MemorySink struct {
	mu        sync.RWMutex
	decisions []*Decision
	registers []*RegisterDetail
}

// NewMemorySink creates a new MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) RecordDecision(ctx context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *MemorySink) RecordRegisterDetail(ctx context.Context, d *RegisterDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers = append(s.registers, d)
	return nil
}

// Decisions returns the decisions recorded for hostID, oldest first. An
// empty hostID returns all of them.
func (s *MemorySink) Decisions(hostID string) []*Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Decision
	for _, d := range s.decisions {
		if hostID == "" || d.HostID == hostID {
			out = append(out, d)
		}
	}
	return out
}

// RegisterDetails returns the register records for hostID, oldest first.
func (s *MemorySink) RegisterDetails(hostID string) []*RegisterDetail {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RegisterDetail
	for _, d := range s.registers {
		if hostID == "" || d.HostID == hostID {
			out = append(out, d)
		}
	}
	return out
}

// MultiSink fans records out to several sinks. It fails only when every
// sink fails.
type MultiSink struct {
	sinks  []Sink
	logger *logrus.Logger
}

// NewMultiSink creates a new MultiSink
func NewMultiSink(logger *logrus.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) RecordDecision(ctx context.Context, d *Decision) error {
	return m.each(func(s Sink) error { return s.RecordDecision(ctx, d) })
}

func (m *MultiSink) RecordRegisterDetail(ctx context.Context, d *RegisterDetail) error {
	return m.each(func(s Sink) error { return s.RecordRegisterDetail(ctx, d) })
}

func (m *MultiSink) each(fn func(Sink) error) error {
	var errs []error
	for i, s := range m.sinks {
		if err := fn(s); err != nil {
			m.logger.WithError(err).WithField("sink_index", i).Error("Failed to write audit record")
			errs = append(errs, err)
		}
	}
	if len(m.sinks) > 0 && len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
