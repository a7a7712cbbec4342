package policy

import (
	"crypto/x509"
	"testing"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantMatch(t *testing.T) {
	s := snapshotWithLog(t)

	tests := []struct {
		name        string
		index       measurement.PcrIndex
		expected    measurement.Digest
		trusted     bool
		missingFlag bool
	}{
		{name: "matches", index: 0, expected: digestOf("bios"), trusted: true},
		{name: "mismatch", index: 0, expected: digestOf("other")},
		{name: "register not reported", index: 17, expected: digestOf("bios"), missingFlag: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewConstantMatch(tt.index, tt.expected, MarkerBIOS)
			require.NoError(t, err)

			res := rule.Apply(s)
			assert.Equal(t, tt.trusted, res.Trusted)
			if tt.trusted {
				assert.Empty(t, res.Faults)
				return
			}
			require.Len(t, res.Faults, 1)
			fault, ok := res.Faults[0].(*ValueMismatch)
			require.True(t, ok)
			assert.Equal(t, tt.index, fault.Index)
			assert.Equal(t, tt.missingFlag, fault.RegisterMissing)
		})
	}
}

func TestRuleRequiresMarker(t *testing.T) {
	_, err := NewConstantMatch(0, digestOf("x"))
	assert.ErrorIs(t, err, ErrNoMarkers)

	_, err = NewEventLogIntegrity(19, "")
	assert.ErrorIs(t, err, ErrNoMarkers)

	_, err = NewEventLogIncludes(30, nil, MarkerVMM)
	assert.ErrorIs(t, err, measurement.ErrInvalidPcrIndex)
}

func TestEventLogIncludes(t *testing.T) {
	rule, err := NewEventLogIncludes(19, []measurement.Measurement{module("tboot"), module("vmlinuz")}, MarkerBIOS)
	require.NoError(t, err)

	t.Run("extra entries are ignored", func(t *testing.T) {
		res := rule.Apply(snapshotWithLog(t, module("tboot"), module("extra"), module("vmlinuz")))
		assert.True(t, res.Trusted)
		assert.Empty(t, res.Faults)
	})

	t.Run("reports exactly the missing entries", func(t *testing.T) {
		res := rule.Apply(snapshotWithLog(t, module("tboot"), module("extra")))
		assert.False(t, res.Trusted)
		require.Len(t, res.Faults, 1)
		fault := res.Faults[0].(*MissingEntries)
		assert.Equal(t, []measurement.Measurement{module("vmlinuz")}, fault.Entries)
	})

	t.Run("no event log", func(t *testing.T) {
		s, err := measurement.NewHostSnapshot(nil, nil)
		require.NoError(t, err)
		res := rule.Apply(s)
		require.Len(t, res.Faults, 1)
		assert.Len(t, res.Faults[0].(*MissingEntries).Entries, 2)
	})
}

func TestEventLogEqualsExcluding(t *testing.T) {
	expected := []measurement.Measurement{module("a"), module("b"), hostSpecificModule("hostkey", "whitelist")}

	t.Run("exact match has no faults", func(t *testing.T) {
		rule, err := NewEventLogEqualsExcluding(19, expected, false, MarkerVMM)
		require.NoError(t, err)

		res := rule.Apply(snapshotWithLog(t, expected...))
		assert.True(t, res.Trusted)
		assert.Empty(t, res.Faults)
	})

	t.Run("order does not matter", func(t *testing.T) {
		rule, err := NewEventLogEqualsExcluding(19, expected, false, MarkerVMM)
		require.NoError(t, err)

		res := rule.Apply(snapshotWithLog(t, expected[2], expected[0], expected[1]))
		assert.True(t, res.Trusted)
	})

	t.Run("missing and unexpected are split", func(t *testing.T) {
		rule, err := NewEventLogEqualsExcluding(19, expected[:2], false, MarkerVMM)
		require.NoError(t, err)

		res := rule.Apply(snapshotWithLog(t, module("a"), module("c")))
		assert.False(t, res.Trusted)
		require.Len(t, res.Faults, 2)
		assert.Equal(t, []measurement.Measurement{module("b")}, res.Faults[0].(*MissingEntries).Entries)
		assert.Equal(t, []measurement.Measurement{module("c")}, res.Faults[1].(*UnexpectedEntries).Entries)
	})

	t.Run("changed digest shows on both sides", func(t *testing.T) {
		rule, err := NewEventLogEqualsExcluding(19, expected[:2], false, MarkerVMM)
		require.NoError(t, err)

		changed := measurement.Measurement{Label: "b", Digest: digestOf("patched")}
		res := rule.Apply(snapshotWithLog(t, module("a"), changed))
		require.Len(t, res.Faults, 2)
		assert.Equal(t, "b", res.Faults[0].(*MissingEntries).Entries[0].Label)
		assert.Equal(t, changed, res.Faults[1].(*UnexpectedEntries).Entries[0])
	})

	t.Run("host specific entries excluded", func(t *testing.T) {
		rule, err := NewEventLogEqualsExcluding(19, expected, true, MarkerVMM)
		require.NoError(t, err)

		other := measurement.Measurement{Label: "hostkey", Digest: digestOf("another host")}
		res := rule.Apply(snapshotWithLog(t, module("a"), module("b"), other))
		assert.True(t, res.Trusted)
	})
}

func TestEventLogIntegrity(t *testing.T) {
	entries := []measurement.Measurement{module("a"), module("b"), module("c")}
	rule, err := NewEventLogIntegrity(19, MarkerVMM)
	require.NoError(t, err)

	s := snapshotWithLog(t, entries...)
	assert.True(t, rule.Apply(s).Trusted)

	for i := range entries {
		tampered := make([]measurement.Measurement, len(entries))
		copy(tampered, entries)
		tampered[i].Digest = digestOf("tampered")

		log := measurement.EventLog{Index: 19, Measurements: tampered}
		reported, _ := s.Register(19)
		ts, err := measurement.NewHostSnapshot(
			[]measurement.RegisterValue{{Index: 19, Value: reported}},
			[]measurement.EventLog{log},
		)
		require.NoError(t, err)

		res := rule.Apply(ts)
		assert.False(t, res.Trusted, "entry %d", i)
		require.Len(t, res.Faults, 1)
		fault := res.Faults[0].(*IntegrityBroken)
		assert.Equal(t, log.Replay(), fault.Replayed)
		assert.Equal(t, reported, fault.Reported)
	}
}

func TestTagCertificateTrusted(t *testing.T) {
	ca := newTestCA(t, "asset tag authority")
	rogue := newTestCA(t, "rogue")
	tag := ca.issue(t, "host-01 tag")

	base := snapshotWithLog(t)

	tests := []struct {
		name        string
		authorities *testCA
		snapshot    *measurement.HostSnapshot
		trusted     bool
	}{
		{name: "issued by trusted authority", authorities: ca, snapshot: base.WithAssetTag(tag), trusted: true},
		{name: "unknown issuer", authorities: rogue, snapshot: base.WithAssetTag(tag)},
		{name: "no certificate", authorities: ca, snapshot: base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewTagCertificateTrusted([]*x509.Certificate{tt.authorities.cert}, MarkerAssetTag)
			require.NoError(t, err)

			res := rule.Apply(tt.snapshot)
			assert.Equal(t, tt.trusted, res.Trusted)
			if !tt.trusted {
				require.Len(t, res.Faults, 1)
				assert.Equal(t, FaultCertificateNotTrusted, res.Faults[0].Kind())
			}
		})
	}
}
