package policy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/stretchr/testify/require"
)

func digestOf(s string) measurement.Digest {
	return measurement.Sum([]byte(s))
}

func module(label string) measurement.Measurement {
	return measurement.Measurement{Label: label, Digest: digestOf(label)}
}

func hostSpecificModule(label, content string) measurement.Measurement {
	return measurement.Measurement{
		Label:  label,
		Digest: digestOf(content),
		Info:   map[string]string{measurement.InfoHostSpecific: "true"},
	}
}

// snapshotWithLog builds a snapshot whose register 19 is consistent with log.
func snapshotWithLog(t *testing.T, entries ...measurement.Measurement) *measurement.HostSnapshot {
	t.Helper()
	log := measurement.EventLog{Index: measurement.PcrModules, Measurements: entries}
	s, err := measurement.NewHostSnapshot(
		[]measurement.RegisterValue{
			{Index: 0, Value: digestOf("bios")},
			{Index: 18, Value: digestOf("vmm")},
			{Index: measurement.PcrModules, Value: log.Replay()},
		},
		[]measurement.EventLog{log},
	)
	require.NoError(t, err)
	return s
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T, name string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, name string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
