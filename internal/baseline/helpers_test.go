package baseline

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func digestOf(s string) measurement.Digest {
	return measurement.Sum([]byte(s))
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func biosBaseline(name, pcr0 string) *ReferenceBaseline {
	return &ReferenceBaseline{
		Name:              name,
		Version:           "1.0",
		Layer:             LayerBIOS,
		Qualifiers:        Qualifiers{OEM: "acme"},
		RequiredRegisters: []measurement.PcrIndex{0},
		Registers:         []ExpectedRegister{{Index: 0, Value: digestOf(pcr0).Hex()}},
	}
}

func vmmBaseline(name, pcr18 string) *ReferenceBaseline {
	return &ReferenceBaseline{
		Name:              name,
		Version:           "5.0",
		Layer:             LayerVMM,
		Qualifiers:        Qualifiers{OSName: "linux", OSVersion: "5.0"},
		RequiredRegisters: []measurement.PcrIndex{18},
		Registers:         []ExpectedRegister{{Index: 18, Value: digestOf(pcr18).Hex()}},
	}
}

func testHost(id string) *Host {
	return &Host{
		ID:          id,
		Name:        id,
		BIOSVersion: "1.0",
		BIOSOEM:     "acme",
		VMMVersion:  "5.0",
		OSName:      "linux",
		OSVersion:   "5.0",
	}
}

func goodSnapshot(t *testing.T) *measurement.HostSnapshot {
	t.Helper()
	s, err := measurement.NewHostSnapshot([]measurement.RegisterValue{
		{Index: 0, Value: digestOf("bios-good")},
		{Index: 18, Value: digestOf("vmm-good")},
	}, nil)
	require.NoError(t, err)
	return s
}

// staticSource returns the same snapshot for every host.
type staticSource struct {
	snapshot *measurement.HostSnapshot
	err      error
	calls    int
	required [][]measurement.PcrIndex
}

func (s *staticSource) Collect(ctx context.Context, host *Host, required []measurement.PcrIndex) (*measurement.HostSnapshot, error) {
	s.calls++
	s.required = append(s.required, required)
	return s.snapshot, s.err
}

func mustPut(t *testing.T, w Writer, baselines ...*ReferenceBaseline) {
	t.Helper()
	for _, b := range baselines {
		require.NoError(t, w.PutBaseline(context.Background(), b))
	}
}

func selfSigned(t *testing.T, name string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
