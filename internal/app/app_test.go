package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/config"
	"github.com/enterprise/attestation-trust-engine/internal/hostagent"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/tlspolicy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func snapshotDocument(t *testing.T) *measurement.SnapshotDocument {
	t.Helper()
	snap, err := measurement.NewHostSnapshot([]measurement.RegisterValue{
		{Index: 0, Value: measurement.Sum([]byte("bios-good"))},
		{Index: 18, Value: measurement.Sum([]byte("vmm-good"))},
	}, nil)
	require.NoError(t, err)
	return measurement.NewSnapshotDocument(snap)
}

func catalogFile(t *testing.T) string {
	t.Helper()
	doc := fmt.Sprintf(`
baselines:
  - name: Firmware
    version: "1.0"
    layer: BIOS
    qualifiers:
      oem: acme
    required_registers: [0]
    registers:
      - index: 0
        value: "%s"
  - name: Hypervisor
    version: "5.0"
    layer: VMM
    qualifiers:
      os_name: linux
      os_version: "5.0"
    required_registers: [18]
    registers:
      - index: 18
        value: "%s"
`, measurement.Sum([]byte("bios-good")).Hex(), measurement.Sum([]byte("vmm-good")).Hex())

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

type fixture struct {
	app   *Application
	agent *httptest.Server
	addr  string
}

// newFixture starts a simulated trust agent pinned by certificate digest
// and an application whose catalog is seeded from a YAML file.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	sim := hostagent.NewSimulator(&hostagent.SimulatorDocument{
		Host:     hostagent.HostInfo{HostName: "node-1", MeasurementCapable: true},
		Snapshot: *snapshotDocument(t),
	}, quietLogger())
	agent := httptest.NewTLSServer(sim.Handler())
	t.Cleanup(agent.Close)

	u, err := url.Parse(agent.URL)
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Catalog.Files = []string{catalogFile(t)}
	cfg.TLS.Policies = []config.TLSPolicyConfig{{
		Address: u.Hostname(),
		Type:    tlspolicy.TypeCertificateDigest,
		Digests: []string{tlspolicy.Fingerprint(agent.Certificate())},
	}}

	application, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	return &fixture{app: application, agent: agent, addr: u.Host}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, req)
	return rec
}

func hostBody(id, address string) map[string]interface{} {
	return map[string]interface{}{
		"host": map[string]interface{}{
			"id":           id,
			"name":         id,
			"address":      address,
			"bios_version": "1.0",
			"bios_oem":     "acme",
			"vmm_version":  "5.0",
			"os_name":      "linux",
			"os_version":   "5.0",
		},
	}
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problems.DefaultProblem {
	t.Helper()
	assert.Equal(t, problems.ProblemMediaType, rec.Header().Get("Content-Type"))
	var p problems.DefaultProblem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestRegisterAndEvaluateHost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/hosts", hostBody("host-1", f.addr))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var assignment assignmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assignment))
	assert.Equal(t, "host-1", assignment.HostID)
	assert.True(t, assignment.BIOSTrusted)
	assert.True(t, assignment.VMMTrusted)
	require.NotNil(t, assignment.BIOS)
	assert.Equal(t, "Firmware", assignment.BIOS.Name)

	var first trustResponse
	rec = f.do(t, http.MethodGet, "/v1/hosts/host-1/trust", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.True(t, first.Trusted)
	assert.False(t, first.Cached)
	assert.Equal(t, "host-1", first.HostID)

	var second trustResponse
	rec = f.do(t, http.MethodGet, "/v1/hosts/host-1/trust", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.True(t, first.EvaluatedAt.Equal(second.EvaluatedAt))

	var forced trustResponse
	rec = f.do(t, http.MethodGet, "/v1/hosts/host-1/trust?force=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forced))
	assert.False(t, forced.Cached)

	rec = f.do(t, http.MethodDelete, "/v1/hosts/host-1/trust", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), f.app.Service().Cache().Size(context.Background()))

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trust_evaluations_total")
	assert.Contains(t, rec.Body.String(), `trust_tls_verifications_total{outcome="trusted",policy="certificate-digest"}`)
}

func TestCheckBaselineWithSuppliedSnapshot(t *testing.T) {
	f := newFixture(t)

	body := hostBody("check-only", "unused:1")
	body["snapshot"] = snapshotDocument(t)
	body["bios_registers"] = []int{0}
	body["vmm_registers"] = []int{18}

	rec := f.do(t, http.MethodPost, "/v1/baselines/check", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary summaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "BIOS:true|VMM:true", summary.Summary)

	body["vmm_registers"] = []int{18, 19}
	rec = f.do(t, http.MethodPost, "/v1/baselines/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "BIOS:true|VMM:false", summary.Summary)

	rec = f.do(t, http.MethodGet, "/v1/hosts/check-only/trust", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "the existence check registers nothing")
}

func TestAPIErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown host", http.MethodGet, "/v1/hosts/missing/trust", nil, http.StatusNotFound},
		{"bad force flag", http.MethodGet, "/v1/hosts/missing/trust?force=maybe", nil, http.StatusBadRequest},
		{"host without id", http.MethodPost, "/v1/hosts", map[string]interface{}{"host": map[string]string{"name": "x"}}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/hosts", map[string]interface{}{"hostname": "x"}, http.StatusBadRequest},
		{"agent without tls policy", http.MethodPost, "/v1/hosts", hostBody("host-2", strings.Replace(f.addr, "127.0.0.1", "localhost", 1)), http.StatusBadGateway},
		{"assertions not configured", http.MethodPost, "/v1/hosts/missing/assertion", nil, http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			p := decodeProblem(t, rec)
			assert.Equal(t, tt.status, p.Status)
			assert.NotEmpty(t, p.Detail)
		})
	}
}

func TestListTLSPolicies(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/tls/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []tlsPolicyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "127.0.0.1", out[0].Address)
	assert.Equal(t, tlspolicy.TypeCertificateDigest, out[0].Type)
	assert.Equal(t, []string{tlspolicy.Fingerprint(f.agent.Certificate())}, out[0].Fingerprints)
	assert.True(t, strings.HasPrefix(out[0].Identity, tlspolicy.TypeCertificateDigest+":"))
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])

	rec = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Attestation.CacheBackend = "disk"

	_, err = New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestBuildTLSPolicy(t *testing.T) {
	digest := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		cfg     config.TLSPolicyConfig
		want    string
		wantErr bool
	}{
		{"digest", config.TLSPolicyConfig{Type: tlspolicy.TypeCertificateDigest, Digests: []string{digest}}, tlspolicy.TypeCertificateDigest, false},
		{"insecure", config.TLSPolicyConfig{Type: tlspolicy.TypeInsecure}, tlspolicy.TypeInsecure, false},
		{"bad digest", config.TLSPolicyConfig{Type: tlspolicy.TypeCertificateDigest, Digests: []string{"zz"}}, "", true},
		{"authority without file", config.TLSPolicyConfig{Type: tlspolicy.TypeCertificateAuthority}, "", true},
		{"unknown type", config.TLSPolicyConfig{Type: "kerberos"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := BuildTLSPolicy(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Type())
		})
	}
}

func TestImportBaselinesYAML(t *testing.T) {
	store := baseline.NewMemoryStore()
	n, err := ImportBaselines(context.Background(), store, catalogFile(t), baseline.CoRIMOptions{}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candidates, err := store.FindCandidates(context.Background(), baseline.CandidateQuery{Layer: baseline.LayerVMM})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Hypervisor", candidates[0].Name)

	_, err = ImportBaselines(context.Background(), store, filepath.Join(t.TempDir(), "empty.cbor"), baseline.CoRIMOptions{}, quietLogger())
	assert.Error(t, err)
}
