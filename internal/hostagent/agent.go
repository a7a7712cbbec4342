package hostagent

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/tlspolicy"
)

// Trust agent endpoints
const (
	HostInfoPath = "/v2/host"
	SnapshotPath = "/v2/host/snapshot"
	IdentityPath = "/v2/host/aik"
)

// DefaultRequestTimeout bounds a whole agent request when none is configured.
const DefaultRequestTimeout = 30 * time.Second

const maxResponseSize = 8 << 20

// Agent is the per-host trust agent.
type Agent interface {
	IsMeasurementCapable(ctx context.Context) (bool, error)
	GetSnapshot(ctx context.Context, required []measurement.PcrIndex) (*measurement.HostSnapshot, error)
	GetIdentityCertificate(ctx context.Context) (*x509.Certificate, error)
}

// Factory returns the agent for a registered host.
type Factory interface {
	AgentFor(host *baseline.Host) (Agent, error)
}

// HostInfo is the body served at HostInfoPath.
type HostInfo struct {
	HostName           string `json:"host_name" yaml:"host_name"`
	MeasurementCapable bool   `json:"measurement_capable" yaml:"measurement_capable"`
	TPMVersion         string `json:"tpm_version,omitempty" yaml:"tpm_version,omitempty"`
}

// HTTPAgent talks to a trust agent over HTTP(S).
type HTTPAgent struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPAgent creates an agent client for baseURL.
func NewHTTPAgent(baseURL string, client *http.Client, logger *logrus.Logger) *HTTPAgent {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPAgent{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

func (a *HTTPAgent) IsMeasurementCapable(ctx context.Context) (bool, error) {
	var info HostInfo
	if err := a.getJSON(ctx, "host info", HostInfoPath, &info); err != nil {
		return false, err
	}
	return info.MeasurementCapable, nil
}

func (a *HTTPAgent) GetSnapshot(ctx context.Context, required []measurement.PcrIndex) (*measurement.HostSnapshot, error) {
	path := SnapshotPath
	if len(required) > 0 {
		path += "?pcrs=" + url.QueryEscape(measurement.FormatPcrList(required))
	}

	var doc measurement.SnapshotDocument
	if err := a.getJSON(ctx, "snapshot", path, &doc); err != nil {
		return nil, err
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return nil, NewAgentError(a.baseURL, "snapshot", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	return snap, nil
}

func (a *HTTPAgent) GetIdentityCertificate(ctx context.Context) (*x509.Certificate, error) {
	body, err := a.get(ctx, "identity certificate", IdentityPath)
	if err != nil {
		return nil, err
	}
	cert, err := measurement.DecodeCertificatePEM(body)
	if err != nil {
		return nil, NewAgentError(a.baseURL, "identity certificate", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	return cert, nil
}

func (a *HTTPAgent) getJSON(ctx context.Context, op, path string, v any) error {
	body, err := a.get(ctx, op, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return NewAgentError(a.baseURL, op, fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	return nil
}

func (a *HTTPAgent) get(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, NewAgentError(a.baseURL, op, err)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, NewAgentError(a.baseURL, op, err)
	}
	defer resp.Body.Close()

	a.logger.WithFields(logrus.Fields{
		"url":      req.URL.String(),
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Trust agent request")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewAgentError(a.baseURL, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		agentErr := NewAgentError(a.baseURL, op, nil)
		agentErr.StatusCode = resp.StatusCode
		return nil, agentErr
	}
	return body, nil
}

// HTTPFactoryConfig holds the timeouts for agent connections.
type HTTPFactoryConfig struct {
	// RequestTimeout bounds a whole agent request. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// ConnectTimeout bounds the TCP connect and TLS handshake.
	ConnectTimeout time.Duration
}

// HTTPFactory builds HTTP agents whose TLS connections are checked by the
// dispatcher against the policy registered for each host. Agents with the
// same connection key share one client and its connection pool.
type HTTPFactory struct {
	dispatcher *tlspolicy.Dispatcher
	config     HTTPFactoryConfig
	logger     *logrus.Logger

	mu        sync.Mutex
	clients   map[tlspolicy.ConnectionKey]*http.Client
	byAddress map[string]tlspolicy.ConnectionKey
}

// NewHTTPFactory creates a factory over dispatcher.
func NewHTTPFactory(dispatcher *tlspolicy.Dispatcher, cfg HTTPFactoryConfig, logger *logrus.Logger) *HTTPFactory {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = cfg.RequestTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPFactory{
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		clients:    make(map[tlspolicy.ConnectionKey]*http.Client),
		byAddress:  make(map[string]tlspolicy.ConnectionKey),
	}
}

// AgentFor fails with a TlsPolicyNotRegistered error when no policy covers
// the host's address.
func (f *HTTPFactory) AgentFor(host *baseline.Host) (Agent, error) {
	if host == nil || host.Address == "" {
		return nil, fmt.Errorf("host has no trust agent address")
	}
	baseURL := AgentURL(host.Address)
	key, err := f.dispatcher.Key(baseURL)
	if err != nil {
		return nil, err
	}
	return NewHTTPAgent(baseURL, f.clientFor(baseURL, key), f.logger), nil
}

// clientFor returns the client for key. A changed key for the same URL
// drops the previous client and its idle connections.
func (f *HTTPFactory) clientFor(baseURL string, key tlspolicy.ConnectionKey) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.byAddress[baseURL]; ok && prev != key {
		if old, ok := f.clients[prev]; ok {
			old.CloseIdleConnections()
			delete(f.clients, prev)
		}
		f.logger.WithFields(logrus.Fields{
			"url":  baseURL,
			"from": prev.String(),
			"to":   key.String(),
		}).Info("TLS policy changed, replacing agent client")
	}
	f.byAddress[baseURL] = key

	client, ok := f.clients[key]
	if !ok {
		client = f.dispatcher.HTTPClient(f.config.RequestTimeout, f.config.ConnectTimeout)
		f.clients[key] = client
	}
	return client
}

// AgentURL turns a host address into a base URL, defaulting to https.
func AgentURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "https://" + address
}
