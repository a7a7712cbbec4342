package tlspolicy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dispatcher is the single verification hook installed on every outbound
// TLS connection. Chain validation at the transport layer is disabled and
// replaced by the policy registered for the destination address.
type Dispatcher struct {
	registry *Registry
	metrics  *Metrics
	logger   *logrus.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, metrics *Metrics, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{registry: registry, metrics: metrics, logger: logger}
}

// Registry returns the registry the dispatcher consults.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Verify checks a negotiated session against the policy for address.
func (d *Dispatcher) Verify(address string, state tls.ConnectionState) error {
	return d.VerifyChain(address, state.PeerCertificates)
}

// VerifyChain looks up the policy for address, then checks chain trust and
// the host name, in that order.
func (d *Dispatcher) VerifyChain(address string, chain []*x509.Certificate) error {
	p, ok := d.registry.Lookup(address)
	if !ok {
		d.metrics.verification("", OutcomeNotRegistered)
		d.logger.WithField("address", address).Error("No TLS policy for host")
		return NewPolicyNotRegisteredError(address)
	}

	log := d.logger.WithFields(logrus.Fields{
		"address": address,
		"policy":  p.Type(),
	})

	if err := p.VerifyTrust(chain); err != nil {
		d.metrics.verification(p.Type(), OutcomeUntrusted)
		log.WithError(err).Error("Server certificate not trusted")
		return NewCertificateNotTrustedError(address, p, chain, err)
	}
	if err := p.VerifyHostname(address, chain); err != nil {
		d.metrics.verification(p.Type(), OutcomeHostname)
		log.WithError(err).Error("Hostname verification failed")
		return NewHostnameVerificationError(address, p, chain, err)
	}

	d.metrics.verification(p.Type(), OutcomeTrusted)
	log.Debug("Server certificate is trusted")
	return nil
}

// TLSConfig returns a client configuration for address that defers all trust
// decisions to VerifyConnection.
func (d *Dispatcher) TLSConfig(address string) *tls.Config {
	return &tls.Config{
		ServerName:         address,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // #nosec G402 -- chain is checked by VerifyConnection
		VerifyConnection: func(state tls.ConnectionState) error {
			return d.Verify(address, state)
		},
	}
}

// Connect opens a TLS connection to rawURL, bounded by timeout for the TCP
// connect and handshake. No policy registered for the URL's host is an error
// before any network activity.
func (d *Dispatcher) Connect(ctx context.Context, rawURL string, timeout time.Duration) (*tls.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	port, err := resolvePort(u)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		d.logger.WithFields(logrus.Fields{
			"scheme": u.Scheme,
			"host":   u.Hostname(),
		}).Warn("No port defined in URL")
		return nil, fmt.Errorf("no port for %s", rawURL)
	}

	return d.dial(ctx, u.Hostname(), net.JoinHostPort(u.Hostname(), strconv.Itoa(port)), timeout)
}

// Key returns the connection key of rawURL under the policy registered for
// its host. Re-registering the host with different trust material changes
// the key.
func (d *Dispatcher) Key(rawURL string) (ConnectionKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ConnectionKey{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	p, ok := d.registry.Lookup(u.Hostname())
	if !ok {
		return ConnectionKey{}, NewPolicyNotRegisteredError(u.Hostname())
	}
	return NewConnectionKey(rawURL, p)
}

// DialTLSContext adapts the dispatcher to http.Transport.
func (d *Dispatcher) DialTLSContext(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _ string, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return d.dial(ctx, host, addr, timeout)
	}
}

// HTTPClient returns a client whose TLS connections are checked by the
// dispatcher. timeout bounds each request; connectTimeout bounds the dial.
func (d *Dispatcher) HTTPClient(timeout, connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialTLSContext:      d.DialTLSContext(connectTimeout),
			TLSHandshakeTimeout: connectTimeout,
			ForceAttemptHTTP2:   false,
		},
	}
}

func (d *Dispatcher) dial(ctx context.Context, host, addr string, timeout time.Duration) (*tls.Conn, error) {
	ctx, span := otel.Tracer("tlspolicy").Start(ctx, "tls_connect")
	defer span.End()
	span.SetAttributes(attribute.String("tls.address", host))

	start := time.Now()
	if _, ok := d.registry.Lookup(host); !ok {
		d.metrics.verification("", OutcomeNotRegistered)
		d.metrics.connect("error", time.Since(start).Seconds())
		err := NewPolicyNotRegisteredError(host)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    d.TLSConfig(host),
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.metrics.connect("error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, unwrapHandshake(err)
	}
	d.metrics.connect("ok", time.Since(start).Seconds())
	return conn.(*tls.Conn), nil
}

// unwrapHandshake surfaces the dispatcher's own error when the TLS stack
// wrapped it.
func unwrapHandshake(err error) error {
	var notTrusted *CertificateNotTrustedError
	if errors.As(err, &notTrusted) {
		return notTrusted
	}
	var hostname *HostnameVerificationError
	if errors.As(err, &hostname) {
		return hostname
	}
	var notRegistered *PolicyNotRegisteredError
	if errors.As(err, &notRegistered) {
		return notRegistered
	}
	return err
}
