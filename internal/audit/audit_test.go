package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func entry(label, content string) measurement.Measurement {
	return measurement.Measurement{Label: label, Digest: measurement.Sum([]byte(content))}
}

func failingReport(t *testing.T) *policy.TrustReport {
	t.Helper()

	snapshot, err := measurement.NewHostSnapshot(
		[]measurement.RegisterValue{
			{Index: 0, Value: measurement.Sum([]byte("bios"))},
			{Index: 19, Value: measurement.Sum([]byte("not a replay"))},
		},
		[]measurement.EventLog{{
			Index:        19,
			Measurements: []measurement.Measurement{entry("a", "a"), entry("b", "b2")},
		}},
	)
	require.NoError(t, err)

	constant, err := policy.NewConstantMatch(0, measurement.Sum([]byte("other")), policy.MarkerBIOS)
	require.NoError(t, err)
	equals, err := policy.NewEventLogEqualsExcluding(19, []measurement.Measurement{entry("a", "a"), entry("b", "b")}, false, policy.MarkerVMM)
	require.NoError(t, err)
	integrity, err := policy.NewEventLogIntegrity(19, policy.MarkerVMM)
	require.NoError(t, err)

	p, err := policy.NewPolicy(constant, equals, integrity)
	require.NoError(t, err)
	return policy.NewEngine().Evaluate(snapshot, p)
}

func TestRegisterDetails(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	details := RegisterDetails("host-1", failingReport(t), []measurement.PcrIndex{19, 18, 0}, at)
	require.Len(t, details, 3)

	assert.Equal(t, measurement.PcrIndex(0), details[0].Index)
	assert.False(t, details[0].Trusted)
	assert.Equal(t, "Incorrect value for PCR 0", details[0].ErrorDetail)
	assert.Equal(t, measurement.Sum([]byte("bios")).Hex(), details[0].Value)
	assert.Empty(t, details[0].Modules)

	assert.Equal(t, measurement.PcrIndex(18), details[1].Index)
	assert.True(t, details[1].Trusted)
	assert.Empty(t, details[1].ErrorDetail)
	assert.Empty(t, details[1].Value)

	assert.False(t, details[2].Trusted)
	assert.Equal(t, "Missing modules and Additional modules and No integrity in PCR 19", details[2].ErrorDetail)
	assert.Equal(t, []ModuleDetail{{
		Name:      "b",
		Actual:    measurement.Sum([]byte("b2")).Hex(),
		Whitelist: measurement.Sum([]byte("b")).Hex(),
	}}, details[2].Modules)

	for _, d := range details {
		assert.Equal(t, "host-1", d.HostID)
		assert.Equal(t, at, d.Timestamp)
		assert.NotEmpty(t, d.ID)
	}
}

func TestDecisionSummary(t *testing.T) {
	d := NewDecision("host-1", failingReport(t), false, time.Now())
	assert.Equal(t, "BIOS:0,VMM:0", d.Summary())

	d.Markers = map[policy.Marker]bool{policy.MarkerBIOS: true, policy.MarkerVMM: false}
	assert.Equal(t, "BIOS:1,VMM:0", d.Summary())
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event *Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	return m.Called().Error(0)
}

func TestEventSink(t *testing.T) {
	ctx := context.Background()
	pub := &mockPublisher{}
	sink := NewEventSink(pub, "test")

	decision := &Decision{ID: "d-1", HostID: "host-1", Markers: map[policy.Marker]bool{policy.MarkerBIOS: true}, Timestamp: time.Now()}

	pub.On("Publish", ctx, mock.MatchedBy(func(e *Event) bool {
		var got Decision
		return e.Type == EventTrustDecision &&
			e.ID == "d-1" &&
			e.HostID == "host-1" &&
			e.Source == "test" &&
			json.Unmarshal(e.Data, &got) == nil &&
			got.Markers[policy.MarkerBIOS]
	})).Return(nil).Once()
	pub.On("Publish", ctx, mock.MatchedBy(func(e *Event) bool {
		return e.Type == EventRegisterDetail
	})).Return(errors.New("broker down")).Once()

	require.NoError(t, sink.RecordDecision(ctx, decision))
	err := sink.RecordRegisterDetail(ctx, &RegisterDetail{ID: "r-1", HostID: "host-1", Index: 19})
	assert.EqualError(t, err, "broker down")

	pub.AssertExpectations(t)
}

type failingSink struct{}

func (failingSink) RecordDecision(context.Context, *Decision) error { return errors.New("down") }
func (failingSink) RecordRegisterDetail(context.Context, *RegisterDetail) error {
	return errors.New("down")
}

func TestMultiSink(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	mem := NewMemorySink()

	multi := NewMultiSink(logger, failingSink{}, mem)
	require.NoError(t, multi.RecordDecision(ctx, &Decision{HostID: "a"}))
	require.NoError(t, multi.RecordRegisterDetail(ctx, &RegisterDetail{HostID: "a"}))
	assert.Len(t, mem.Decisions("a"), 1)
	assert.Len(t, mem.RegisterDetails("a"), 1)
	assert.Empty(t, mem.Decisions("b"))

	allFailing := NewMultiSink(logger, failingSink{}, failingSink{})
	assert.Error(t, allFailing.RecordDecision(ctx, &Decision{HostID: "a"}))
}

func TestKafkaMessageKeyedByHost(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "trust-audit", logrus.New())
	defer p.Close()

	msg, err := p.Message(&Event{ID: "e-1", Type: EventTrustDecision, HostID: "host-9", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, []byte("host-9"), msg.Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "e-1", decoded.ID)
}
