package tlspolicy

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps destination addresses to policies. It is safe for concurrent
// use and may grow while connections are in flight.
type Registry struct {
	policies sync.Map
	logger   *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{logger: logger}
}

// Addresses are host names and compare case-insensitively.
func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Register installs p for address, replacing any earlier registration.
func (r *Registry) Register(address string, p Policy) error {
	address = normalizeAddress(address)
	if address == "" {
		return errors.New("tls policy address is required")
	}
	if p == nil {
		return errors.New("tls policy is required")
	}
	r.policies.Store(address, p)
	r.logger.WithFields(logrus.Fields{
		"address": address,
		"policy":  p.Type(),
	}).Debug("Registered TLS policy")
	return nil
}

// Lookup returns the policy registered for address.
func (r *Registry) Lookup(address string) (Policy, bool) {
	v, ok := r.policies.Load(normalizeAddress(address))
	if !ok {
		return nil, false
	}
	return v.(Policy), true
}

// Unregister removes the policy for address. Registrations are never removed
// implicitly.
func (r *Registry) Unregister(address string) {
	r.policies.Delete(normalizeAddress(address))
}

// Addresses lists registered addresses in sorted order.
func (r *Registry) Addresses() []string {
	var out []string
	r.policies.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Inventory aggregates the trust material of every registered policy.
func (r *Registry) Inventory() Inventory {
	var inv Inventory
	r.policies.Range(func(_, v any) bool {
		inv = inv.Merge(v.(Policy).Inventory())
		return true
	})
	return inv
}
