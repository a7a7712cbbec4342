package hostagent

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
)

// SimulatorDocument is the YAML file a simulated trust agent serves.
type SimulatorDocument struct {
	Host     HostInfo                     `yaml:"host"`
	Snapshot measurement.SnapshotDocument `yaml:"snapshot"`
}

// LoadSimulatorFile reads a SimulatorDocument and checks that its snapshot decodes.
func LoadSimulatorFile(path string) (*SimulatorDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulator file: %w", err)
	}
	var doc SimulatorDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse simulator file: %w", err)
	}
	if _, err := doc.Snapshot.Snapshot(); err != nil {
		return nil, fmt.Errorf("invalid simulator snapshot: %w", err)
	}
	return &doc, nil
}

// Simulator serves a fixed snapshot over the trust agent endpoints.
type Simulator struct {
	doc    *SimulatorDocument
	router *gin.Engine
	logger *logrus.Logger
}

// NewSimulator creates a simulated trust agent for doc.
func NewSimulator(doc *SimulatorDocument, logger *logrus.Logger) *Simulator {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Simulator{doc: doc, router: gin.New(), logger: logger}
	s.router.Use(gin.Recovery())
	s.RegisterRoutes(&s.router.RouterGroup)
	return s
}

// Handler returns the simulator's HTTP handler.
func (s *Simulator) Handler() http.Handler {
	return s.router
}

// RegisterRoutes registers the trust agent routes with r.
func (s *Simulator) RegisterRoutes(r *gin.RouterGroup) {
	r.GET(HostInfoPath, s.GetHostInfo)
	r.GET(SnapshotPath, s.GetSnapshot)
	r.GET(IdentityPath, s.GetIdentity)
}

// GetHostInfo handles GET /v2/host
func (s *Simulator) GetHostInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.doc.Host)
}

// GetSnapshot handles GET /v2/host/snapshot?pcrs=0,17,18
func (s *Simulator) GetSnapshot(c *gin.Context) {
	if !s.doc.Host.MeasurementCapable {
		s.respondError(c, http.StatusConflict, "Host is not measurement capable", nil)
		return
	}

	pcrs, err := measurement.ParsePcrList(c.Query("pcrs"))
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "Invalid register list", err)
		return
	}

	c.JSON(http.StatusOK, filterDocument(s.doc.Snapshot, pcrs))
}

// GetIdentity handles GET /v2/host/aik
func (s *Simulator) GetIdentity(c *gin.Context) {
	if s.doc.Snapshot.IdentityCertificate == "" {
		s.respondError(c, http.StatusNotFound, "No identity certificate", nil)
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", []byte(s.doc.Snapshot.IdentityCertificate))
}

func (s *Simulator) respondError(c *gin.Context, status int, message string, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"status": status,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(message)

	body := gin.H{"error": http.StatusText(status), "message": message, "code": status}
	c.JSON(status, body)
}

// filterDocument keeps only the requested registers and their event logs.
// An empty list keeps everything.
func filterDocument(doc measurement.SnapshotDocument, pcrs []measurement.PcrIndex) measurement.SnapshotDocument {
	if len(pcrs) == 0 {
		return doc
	}
	want := make(map[measurement.PcrIndex]bool, len(pcrs))
	for _, p := range pcrs {
		want[p] = true
	}

	out := doc
	out.Registers = nil
	out.EventLogs = nil
	for _, r := range doc.Registers {
		if want[r.Index] {
			out.Registers = append(out.Registers, r)
		}
	}
	for _, l := range doc.EventLogs {
		if want[l.Index] {
			out.EventLogs = append(out.EventLogs, l)
		}
	}
	return out
}
