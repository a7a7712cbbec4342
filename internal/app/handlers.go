package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/moogar0880/problems"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/enterprise/attestation-trust-engine/internal/attestation"
	"github.com/enterprise/attestation-trust-engine/internal/baseline"
	"github.com/enterprise/attestation-trust-engine/internal/hostagent"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/tlspolicy"
)

// maxBodySize bounds request bodies of the API.
const maxBodySize = 4 << 20

// initializeHTTPServer sets up the HTTP server with routes
func (a *Application) initializeHTTPServer() {
	router := mux.NewRouter()

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/hosts", a.handleMatchNewHost).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{id}/trust", a.handleGetTrust).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id}/trust", a.handleInvalidateTrust).Methods(http.MethodDelete)
	api.HandleFunc("/hosts/{id}/assertion", a.handleAssertion).Methods(http.MethodPost)
	api.HandleFunc("/baselines/check", a.handleCheckBaseline).Methods(http.MethodPost)
	api.HandleFunc("/tls/policies", a.handleListTLSPolicies).Methods(http.MethodGet)

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	if a.config.Metrics.Enabled {
		router.Handle(a.config.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.Use(a.instrument())

	a.handler = router
	a.httpServer = &http.Server{
		Addr:         a.config.Server.Host + ":" + strconv.Itoa(a.config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route template and status code.
func (a *Application) instrument() mux.MiddlewareFunc {
	requests, err := otel.Meter("attestation-trust-engine").Int64Counter(
		"trust_http_requests",
		otelmetric.WithDescription("HTTP API requests by route and status"),
	)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to create request counter")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			if requests != nil {
				requests.Add(r.Context(), 1, otelmetric.WithAttributes(
					attribute.String("route", route),
					attribute.Int("status", rec.status),
				))
			}
			a.logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"route":    route,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// matchRequest is the wire form of baseline.MatchRequest.
type matchRequest struct {
	Host          *baseline.Host                `json:"host"`
	Snapshot      *measurement.SnapshotDocument `json:"snapshot,omitempty"`
	Target        baseline.Target               `json:"target,omitempty"`
	TargetValue   string                        `json:"target_value,omitempty"`
	BIOSRegisters []measurement.PcrIndex        `json:"bios_registers,omitempty"`
	VMMRegisters  []measurement.PcrIndex        `json:"vmm_registers,omitempty"`
}

func (m *matchRequest) toRequest() (*baseline.MatchRequest, error) {
	if m.Host == nil || m.Host.ID == "" {
		return nil, errors.New("host with an id is required")
	}
	req := &baseline.MatchRequest{
		Host:          m.Host,
		Target:        m.Target,
		TargetValue:   m.TargetValue,
		BIOSRegisters: m.BIOSRegisters,
		VMMRegisters:  m.VMMRegisters,
	}
	if m.Snapshot != nil {
		snap, err := m.Snapshot.Snapshot()
		if err != nil {
			return nil, err
		}
		req.Snapshot = snap
	}
	return req, nil
}

type assignmentResponse struct {
	HostID      string                      `json:"host_id"`
	BIOS        *baseline.ReferenceBaseline `json:"bios"`
	VMM         *baseline.ReferenceBaseline `json:"vmm"`
	BIOSTrusted bool                        `json:"bios_trusted"`
	VMMTrusted  bool                        `json:"vmm_trusted"`
}

type summaryResponse struct {
	BIOS         bool                        `json:"bios"`
	VMM          bool                        `json:"vmm"`
	BIOSBaseline *baseline.ReferenceBaseline `json:"bios_baseline,omitempty"`
	VMMBaseline  *baseline.ReferenceBaseline `json:"vmm_baseline,omitempty"`
	Summary      string                      `json:"summary"`
}

type trustResponse struct {
	*attestation.CachedDecision
	Cached bool `json:"cached"`
}

type assertionResponse struct {
	HostID    string    `json:"host_id"`
	Assertion []byte    `json:"assertion"`
	Expires   time.Time `json:"expires"`
}

type tlsPolicyResponse struct {
	Address      string   `json:"address"`
	Type         string   `json:"type"`
	Identity     string   `json:"identity"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

// handleMatchNewHost registers a host and assigns its baselines.
func (a *Application) handleMatchNewHost(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeMatchRequest(w, r)
	if !ok {
		return
	}

	assignment, err := a.service.MatchNewHost(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, assignmentResponse{
		HostID:      assignment.HostID,
		BIOS:        assignment.BIOS,
		VMM:         assignment.VMM,
		BIOSTrusted: assignment.BIOSTrusted,
		VMMTrusted:  assignment.VMMTrusted,
	})
}

// handleCheckBaseline reports whether matching baselines exist without
// registering anything.
func (a *Application) handleCheckBaseline(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeMatchRequest(w, r)
	if !ok {
		return
	}

	summary, err := a.service.CheckBaseline(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		BIOS:         summary.BIOS,
		VMM:          summary.VMM,
		BIOSBaseline: summary.BIOSBaseline,
		VMMBaseline:  summary.VMMBaseline,
		Summary:      summary.String(),
	})
}

// handleGetTrust returns the trust decision for a host. force=true skips
// the cached decision.
func (a *Application) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["id"]

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeProblem(w, problems.NewDetailedProblem(http.StatusBadRequest, "force must be a boolean"))
			return
		}
		force = parsed
	}

	res, err := a.service.EvaluateWithCache(r.Context(), hostID, force)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, trustResponse{CachedDecision: res.Decision, Cached: res.Cached})
}

func (a *Application) handleInvalidateTrust(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Cache().Invalidate(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) handleAssertion(w http.ResponseWriter, r *http.Request) {
	assertion, err := a.service.Assert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, assertionResponse{
		HostID:    assertion.HostID,
		Assertion: assertion.Blob,
		Expires:   assertion.Expires,
	})
}

func (a *Application) handleListTLSPolicies(w http.ResponseWriter, r *http.Request) {
	registry := a.dispatcher.Registry()

	out := []tlsPolicyResponse{}
	for _, addr := range registry.Addresses() {
		p, ok := registry.Lookup(addr)
		if !ok {
			continue
		}
		out = append(out, tlsPolicyResponse{
			Address:      addr,
			Type:         p.Type(),
			Identity:     tlspolicy.Identity(p),
			Fingerprints: p.Inventory().Fingerprints(),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// handleHealth handles health checks
func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   Version,
		"timestamp": time.Now().UTC(),
		"services": map[string]interface{}{
			"catalog":      a.config.Catalog.Backend,
			"result_cache": a.config.Attestation.CacheBackend,
			"cached_hosts": a.service.Cache().Size(r.Context()),
			"tls_policies": len(a.dispatcher.Registry().Addresses()),
		},
	})
}

// handleReady handles readiness checks
func (a *Application) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.running.Load() {
		writeProblem(w, problems.NewDetailedProblem(http.StatusServiceUnavailable, "service not ready"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

func (a *Application) decodeMatchRequest(w http.ResponseWriter, r *http.Request) (*baseline.MatchRequest, bool) {
	var body matchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeProblem(w, problems.NewDetailedProblem(http.StatusBadRequest, "invalid request body: "+err.Error()))
		return nil, false
	}
	req, err := body.toRequest()
	if err != nil {
		writeProblem(w, problems.NewDetailedProblem(http.StatusBadRequest, err.Error()))
		return nil, false
	}
	return req, true
}

// statusFor maps a pipeline error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attestation.ErrAssertionUnavailable):
		return http.StatusNotImplemented
	case baseline.IsNotFound(err):
		return http.StatusNotFound
	case baseline.IsBaselineMismatch(err), baseline.IsMissingRegisters(err):
		return http.StatusUnprocessableEntity
	case hostagent.IsMeasurementNotEnabled(err):
		return http.StatusConflict
	case hostagent.IsAgentError(err),
		tlspolicy.IsPolicyNotRegistered(err),
		tlspolicy.IsCertificateNotTrusted(err),
		tlspolicy.IsHostnameVerificationFailed(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := a.logger.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	p := problems.NewDetailedProblem(status, err.Error())
	p.Instance = r.URL.Path
	writeProblem(w, p)
}

func writeProblem(w http.ResponseWriter, p *problems.DefaultProblem) {
	w.Header().Set("Content-Type", problems.ProblemMediaType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
