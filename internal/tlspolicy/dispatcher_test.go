package tlspolicy

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T) (*Dispatcher, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewDispatcher(NewRegistry(quietLogger()), metrics, quietLogger()), metrics
}

func TestDispatcherUnregisteredAddress(t *testing.T) {
	d, metrics := newDispatcher(t)
	caA := newCA(t, "ca-a")
	caB := newCA(t, "ca-b")

	pa, err := NewCertificateAuthorityPolicy(caA.cert)
	require.NoError(t, err)
	pb, err := NewCertificateAuthorityPolicy(caB.cert)
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("host1", pa))
	require.NoError(t, d.Registry().Register("host2", pb))

	leaf := caA.issue(t, "host3", leafOptions{dnsNames: []string{"host3"}})

	err = d.VerifyChain("host3", []*x509.Certificate{leaf})
	require.Error(t, err)
	assert.True(t, IsPolicyNotRegistered(err))

	var notRegistered *PolicyNotRegisteredError
	require.True(t, errors.As(err, &notRegistered))
	assert.Equal(t, "host3", notRegistered.Address)

	_, err = d.Connect(context.Background(), "https://host3:9443", time.Second)
	assert.True(t, IsPolicyNotRegistered(err))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.verifications.WithLabelValues("", OutcomeNotRegistered)))
}

func TestDispatcherVerifyChain(t *testing.T) {
	ca := newCA(t, "ca")
	rogue := newCA(t, "rogue")
	good := ca.issue(t, "host1", leafOptions{dnsNames: []string{"host1"}})
	wrongName := ca.issue(t, "host9", leafOptions{dnsNames: []string{"host9"}})
	untrusted := rogue.issue(t, "host1", leafOptions{dnsNames: []string{"host1"}})

	tests := []struct {
		name   string
		chain  []*x509.Certificate
		check  func(error) bool
		reject bool
	}{
		{name: "trusted", chain: []*x509.Certificate{good}},
		{name: "untrusted issuer", chain: []*x509.Certificate{untrusted}, check: IsCertificateNotTrusted, reject: true},
		{name: "wrong host name", chain: []*x509.Certificate{wrongName}, check: IsHostnameVerificationFailed, reject: true},
		{name: "empty chain", check: IsCertificateNotTrusted, reject: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newDispatcher(t)
			p, err := NewCertificateAuthorityPolicy(ca.cert)
			require.NoError(t, err)
			require.NoError(t, d.Registry().Register("host1", p))

			err = d.VerifyChain("host1", tt.chain)
			if !tt.reject {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, tt.check(err))
			assert.Contains(t, err.Error(), "host1")
			assert.Contains(t, err.Error(), Identity(p))
		})
	}
}

func TestDispatcherCarriesDiagnostics(t *testing.T) {
	d, _ := newDispatcher(t)
	ca := newCA(t, "ca")
	leaf := ca.issue(t, "host9", leafOptions{dnsNames: []string{"host9"}})
	p, err := NewCertificateAuthorityPolicy(ca.cert)
	require.NoError(t, err)
	require.NoError(t, d.Registry().Register("host1", p))

	err = d.VerifyChain("host1", []*x509.Certificate{leaf})
	var hostErr *HostnameVerificationError
	require.True(t, errors.As(err, &hostErr))
	assert.Equal(t, "host1", hostErr.Address)
	assert.Equal(t, Identity(p), hostErr.Policy)
	require.Len(t, hostErr.Chain, 1)
	assert.Equal(t, leaf.Raw, hostErr.Chain[0].Raw)
	assert.NotNil(t, hostErr.Cause)
}

func TestDispatcherConnect(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Hostname()

	t.Run("pinned certificate", func(t *testing.T) {
		d, _ := newDispatcher(t)
		p, err := PinCertificates(srv.Certificate())
		require.NoError(t, err)
		require.NoError(t, d.Registry().Register(host, p))

		conn, err := d.Connect(context.Background(), srv.URL, 5*time.Second)
		require.NoError(t, err)
		defer conn.Close()
		assert.NotEmpty(t, conn.ConnectionState().PeerCertificates)
	})

	t.Run("certificate authority", func(t *testing.T) {
		d, _ := newDispatcher(t)
		p, err := NewCertificateAuthorityPolicy(srv.Certificate())
		require.NoError(t, err)
		require.NoError(t, d.Registry().Register(host, p))

		conn, err := d.Connect(context.Background(), srv.URL, 5*time.Second)
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("pin mismatch", func(t *testing.T) {
		d, _ := newDispatcher(t)
		p, err := PinCertificates(newCA(t, "elsewhere").cert)
		require.NoError(t, err)
		require.NoError(t, d.Registry().Register(host, p))

		_, err = d.Connect(context.Background(), srv.URL, 5*time.Second)
		require.Error(t, err)
		assert.True(t, IsCertificateNotTrusted(err))
	})

	t.Run("http client", func(t *testing.T) {
		d, _ := newDispatcher(t)
		require.NoError(t, d.Registry().Register(host, InsecurePolicy{}))

		resp, err := d.HTTPClient(5*time.Second, 5*time.Second).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(quietLogger())
	a := newCA(t, "a").cert
	b := newCA(t, "b").cert
	pa, err := NewCertificateAuthorityPolicy(a)
	require.NoError(t, err)
	pb, err := PinCertificates(b)
	require.NoError(t, err)

	require.NoError(t, r.Register("host2", pb))
	require.NoError(t, r.Register("host1", pa))
	assert.Error(t, r.Register("", pa))
	assert.Error(t, r.Register("host3", nil))

	got, ok := r.Lookup("host1")
	require.True(t, ok)
	assert.Same(t, pa, got)

	assert.Equal(t, []string{"host1", "host2"}, r.Addresses())
	assert.Equal(t, 2, r.Inventory().Len())

	r.Unregister("host2")
	_, ok = r.Lookup("host2")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Inventory().Len())
}
