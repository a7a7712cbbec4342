package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/enterprise/attestation-trust-engine/internal/policy"
)

// Decision is the per-host trust decision written after each evaluation.
type Decision struct {
	ID        string                 `json:"id"`
	HostID    string                 `json:"host_id"`
	Markers   map[policy.Marker]bool `json:"markers"`
	Trusted   bool                   `json:"trusted"`
	Timestamp time.Time              `json:"timestamp"`
}

// Summary renders the layer flags as "BIOS:1,VMM:0".
func (d *Decision) Summary() string {
	flag := func(m policy.Marker) int {
		if d.Markers[m] {
			return 1
		}
		return 0
	}
	return fmt.Sprintf("BIOS:%d,VMM:%d", flag(policy.MarkerBIOS), flag(policy.MarkerVMM))
}

// ModuleDetail compares one event-log entry with its whitelist value.
// Either value is empty when the entry is absent on that side.
type ModuleDetail struct {
	Name      string `json:"name"`
	Actual    string `json:"actual,omitempty"`
	Whitelist string `json:"whitelist,omitempty"`
}

// RegisterDetail is the outcome for one register of a host.
type RegisterDetail struct {
	ID          string               `json:"id"`
	HostID      string               `json:"host_id"`
	Index       measurement.PcrIndex `json:"index"`
	Value       string               `json:"value,omitempty"`
	Trusted     bool                 `json:"trusted"`
	ErrorDetail string               `json:"error_detail,omitempty"`
	Modules     []ModuleDetail       `json:"modules,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// NewDecision derives the decision record from a report.
func NewDecision(hostID string, report *policy.TrustReport, trusted bool, at time.Time) *Decision {
	return &Decision{
		ID:        newID(),
		HostID:    hostID,
		Markers:   report.MarkerFlags(),
		Trusted:   trusted,
		Timestamp: at,
	}
}

// RegisterDetails builds one record per required register, in register
// order, from the faults of the rules that read it.
func RegisterDetails(hostID string, report *policy.TrustReport, required []measurement.PcrIndex, at time.Time) []*RegisterDetail {
	sorted := make([]measurement.PcrIndex, len(required))
	copy(sorted, required)
	measurement.SortPcrs(sorted)

	out := make([]*RegisterDetail, 0, len(sorted))
	for _, idx := range sorted {
		c := &faultCollector{index: idx}
		for _, res := range report.Results {
			if !readsRegister(res.Rule, idx) {
				continue
			}
			for _, f := range res.Faults {
				f.Accept(c)
			}
		}

		detail := &RegisterDetail{
			ID:          newID(),
			HostID:      hostID,
			Index:       idx,
			Trusted:     len(c.errors) == 0,
			ErrorDetail: strings.Join(c.errors, " and "),
			Modules:     c.modules(),
			Timestamp:   at,
		}
		if report.Snapshot != nil {
			if v, ok := report.Snapshot.Register(idx); ok {
				detail.Value = v.Hex()
			}
		}
		out = append(out, detail)
	}
	return out
}

func readsRegister(r policy.Rule, idx measurement.PcrIndex) bool {
	for _, i := range r.Registers() {
		if i == idx {
			return true
		}
	}
	return false
}

// faultCollector turns faults into the register error text and module
// comparison list.
type faultCollector struct {
	index      measurement.PcrIndex
	errors     []string
	seen       map[string]bool
	actual     map[string]string
	whitelist  map[string]string
	moduleSeen []string
}

func (c *faultCollector) add(msg string) {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[msg] {
		return
	}
	c.seen[msg] = true
	c.errors = append(c.errors, msg)
}

func (c *faultCollector) module(name string) {
	if c.actual == nil {
		c.actual = make(map[string]string)
		c.whitelist = make(map[string]string)
	}
	if _, ok := c.actual[name]; ok {
		return
	}
	if _, ok := c.whitelist[name]; ok {
		return
	}
	c.moduleSeen = append(c.moduleSeen, name)
}

func (c *faultCollector) VisitMissingEntries(f *policy.MissingEntries) {
	c.add("Missing modules")
	for _, m := range f.Entries {
		c.module(m.Label)
		c.whitelist[m.Label] = m.Digest.Hex()
	}
}

func (c *faultCollector) VisitUnexpectedEntries(f *policy.UnexpectedEntries) {
	c.add("Additional modules")
	for _, m := range f.Entries {
		c.module(m.Label)
		c.actual[m.Label] = m.Digest.Hex()
	}
}

func (c *faultCollector) VisitIntegrityBroken(f *policy.IntegrityBroken) {
	c.add(fmt.Sprintf("No integrity in PCR %d", int(c.index)))
}

func (c *faultCollector) VisitValueMismatch(f *policy.ValueMismatch) {
	c.add(fmt.Sprintf("Incorrect value for PCR %d", int(c.index)))
}

func (c *faultCollector) VisitCertificateNotTrusted(f *policy.CertificateNotTrusted) {}

func (c *faultCollector) modules() []ModuleDetail {
	if len(c.moduleSeen) == 0 {
		return nil
	}
	names := make([]string, len(c.moduleSeen))
	copy(names, c.moduleSeen)
	sort.Strings(names)

	out := make([]ModuleDetail, 0, len(names))
	for _, name := range names {
		out = append(out, ModuleDetail{
			Name:      name,
			Actual:    c.actual[name],
			Whitelist: c.whitelist[name],
		})
	}
	return out
}
