package tlspolicy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var defaultPorts = map[string]int{
	"https": 443,
	"wss":   443,
	"http":  80,
	"ws":    80,
}

// ConnectionKey identifies an outbound connection configuration. Keys built
// from equivalent policies compare equal with ==.
type ConnectionKey struct {
	Protocol      string
	Host          string
	Port          int
	PolicyType    string
	InventoryHash string
}

// NewConnectionKey derives the key for rawURL under p. A URL without a port
// takes the scheme's default; unknown schemes without a port get 0.
func NewConnectionKey(rawURL string, p Policy) (ConnectionKey, error) {
	if p == nil {
		return ConnectionKey{}, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ConnectionKey{}, err
	}
	port, err := resolvePort(u)
	if err != nil {
		return ConnectionKey{}, err
	}
	return ConnectionKey{
		Protocol:      strings.ToLower(u.Scheme),
		Host:          strings.ToLower(u.Hostname()),
		Port:          port,
		PolicyType:    p.Type(),
		InventoryHash: p.Inventory().Hash(),
	}, nil
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s://%s:%d [%s:%s]", k.Protocol, k.Host, k.Port, k.PolicyType, k.InventoryHash)
}

func resolvePort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", p, err)
		}
		return n, nil
	}
	return defaultPorts[strings.ToLower(u.Scheme)], nil
}
