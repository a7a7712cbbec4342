package tlspolicy

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// Base errors
var (
	// ErrPolicyNotRegistered indicates no policy is registered for the destination
	ErrPolicyNotRegistered = errors.New("no TLS policy registered for address")

	// ErrCertificateNotTrusted indicates the peer chain failed the policy's trust check
	ErrCertificateNotTrusted = errors.New("server certificate is not trusted")

	// ErrHostnameVerificationFailed indicates the peer chain does not match the destination
	ErrHostnameVerificationFailed = errors.New("hostname verification failed")

	// ErrNoPeerCertificates indicates the peer presented an empty chain
	ErrNoPeerCertificates = errors.New("peer presented no certificates")

	// ErrInvalidPolicy indicates a policy could not be constructed
	ErrInvalidPolicy = errors.New("invalid TLS policy")
)

// PolicyNotRegisteredError is returned when a connection targets an address
// without a registered policy.
type PolicyNotRegisteredError struct {
	Address string
}

func (e *PolicyNotRegisteredError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPolicyNotRegistered, e.Address)
}

func (e *PolicyNotRegisteredError) Unwrap() error {
	return ErrPolicyNotRegistered
}

// CertificateNotTrustedError carries the destination, the policy in effect and
// the chain that was rejected.
type CertificateNotTrustedError struct {
	Address string
	Policy  string
	Chain   []*x509.Certificate
	Cause   error
}

func (e *CertificateNotTrustedError) Error() string {
	return fmt.Sprintf("%v: %s (policy %s, chain [%s]): %v",
		ErrCertificateNotTrusted, e.Address, e.Policy, describeChain(e.Chain), e.Cause)
}

func (e *CertificateNotTrustedError) Unwrap() []error {
	return []error{ErrCertificateNotTrusted, e.Cause}
}

// HostnameVerificationError carries the destination, the policy in effect and
// the chain whose identity did not match.
type HostnameVerificationError struct {
	Address string
	Policy  string
	Chain   []*x509.Certificate
	Cause   error
}

func (e *HostnameVerificationError) Error() string {
	return fmt.Sprintf("%v: %s (policy %s, chain [%s]): %v",
		ErrHostnameVerificationFailed, e.Address, e.Policy, describeChain(e.Chain), e.Cause)
}

func (e *HostnameVerificationError) Unwrap() []error {
	return []error{ErrHostnameVerificationFailed, e.Cause}
}

// NewPolicyNotRegisteredError creates a new PolicyNotRegisteredError
func NewPolicyNotRegisteredError(address string) *PolicyNotRegisteredError {
	return &PolicyNotRegisteredError{Address: address}
}

// NewCertificateNotTrustedError creates a new CertificateNotTrustedError
func NewCertificateNotTrustedError(address string, p Policy, chain []*x509.Certificate, cause error) *CertificateNotTrustedError {
	return &CertificateNotTrustedError{Address: address, Policy: Identity(p), Chain: chain, Cause: cause}
}

// NewHostnameVerificationError creates a new HostnameVerificationError
func NewHostnameVerificationError(address string, p Policy, chain []*x509.Certificate, cause error) *HostnameVerificationError {
	return &HostnameVerificationError{Address: address, Policy: Identity(p), Chain: chain, Cause: cause}
}

// IsPolicyNotRegistered checks if an error is a missing registration
func IsPolicyNotRegistered(err error) bool {
	return errors.Is(err, ErrPolicyNotRegistered)
}

// IsCertificateNotTrusted checks if an error is a chain trust failure
func IsCertificateNotTrusted(err error) bool {
	return errors.Is(err, ErrCertificateNotTrusted)
}

// IsHostnameVerificationFailed checks if an error is a hostname mismatch
func IsHostnameVerificationFailed(err error) bool {
	return errors.Is(err, ErrHostnameVerificationFailed)
}

func describeChain(chain []*x509.Certificate) string {
	parts := make([]string, 0, len(chain))
	for _, c := range chain {
		parts = append(parts, fmt.Sprintf("%s sha256:%s", c.Subject.String(), Fingerprint(c)))
	}
	return strings.Join(parts, "; ")
}
