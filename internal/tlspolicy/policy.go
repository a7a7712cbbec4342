package tlspolicy

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

// Policy types
const (
	TypeCertificateDigest    = "certificate-digest"
	TypeCertificateAuthority = "certificate-authority"
	TypeSPIFFE               = "spiffe"
	TypeInsecure             = "insecure"
)

// Policy validates one peer. Its capabilities are fixed at construction.
type Policy interface {
	// Type names the concrete policy kind.
	Type() string

	// VerifyTrust checks the presented chain, leaf first.
	VerifyTrust(chain []*x509.Certificate) error

	// VerifyHostname checks that the chain identifies host.
	VerifyHostname(host string, chain []*x509.Certificate) error

	// Inventory lists the certificates and pinned digests the policy trusts.
	Inventory() Inventory
}

// Identity renders a policy as type plus inventory hash, which is how
// policies appear in diagnostics and connection keys.
func Identity(p Policy) string {
	if p == nil {
		return "<none>"
	}
	return p.Type() + ":" + p.Inventory().Hash()
}

// Fingerprint returns the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Inventory is the trust material held by a policy.
type Inventory struct {
	Certificates []*x509.Certificate
	Digests      []string
}

// Fingerprints returns the sorted, de-duplicated union of pinned digests and
// certificate fingerprints.
func (inv Inventory) Fingerprints() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, d := range inv.Digests {
		add(strings.ToLower(d))
	}
	for _, c := range inv.Certificates {
		add(Fingerprint(c))
	}
	sort.Strings(out)
	return out
}

// Hash is a content address for the inventory. Two inventories holding the
// same material hash equal regardless of order.
func (inv Inventory) Hash() string {
	h := sha256.New()
	for _, fp := range inv.Fingerprints() {
		h.Write([]byte(fp))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Merge appends other to inv.
func (inv Inventory) Merge(other Inventory) Inventory {
	return Inventory{
		Certificates: append(append([]*x509.Certificate{}, inv.Certificates...), other.Certificates...),
		Digests:      append(append([]string{}, inv.Digests...), other.Digests...),
	}
}

// Len is the number of distinct entries.
func (inv Inventory) Len() int {
	return len(inv.Fingerprints())
}

// CertificateDigestPolicy pins the leaf certificate by SHA-256 digest.
// A pinned leaf identifies the peer, so no hostname check is applied.
type CertificateDigestPolicy struct {
	digests map[string]bool
	certs   []*x509.Certificate
}

// NewCertificateDigestPolicy pins hex SHA-256 digests. Colons and spaces are ignored.
func NewCertificateDigestPolicy(digests ...string) (*CertificateDigestPolicy, error) {
	if len(digests) == 0 {
		return nil, fmt.Errorf("%w: no digests to pin", ErrInvalidPolicy)
	}
	p := &CertificateDigestPolicy{digests: make(map[string]bool, len(digests))}
	for _, d := range digests {
		clean := strings.NewReplacer(":", "", " ", "", "-", "").Replace(strings.ToLower(d))
		raw, err := hex.DecodeString(clean)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("%w: bad certificate digest %q", ErrInvalidPolicy, d)
		}
		p.digests[clean] = true
	}
	return p, nil
}

// PinCertificates pins the given certificates.
func PinCertificates(certs ...*x509.Certificate) (*CertificateDigestPolicy, error) {
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates to pin", ErrInvalidPolicy)
	}
	p := &CertificateDigestPolicy{digests: make(map[string]bool, len(certs)), certs: certs}
	for _, c := range certs {
		p.digests[Fingerprint(c)] = true
	}
	return p, nil
}

func (p *CertificateDigestPolicy) Type() string { return TypeCertificateDigest }

func (p *CertificateDigestPolicy) VerifyTrust(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return ErrNoPeerCertificates
	}
	fp := Fingerprint(chain[0])
	if !p.digests[fp] {
		return fmt.Errorf("leaf certificate sha256:%s is not pinned", fp)
	}
	return nil
}

func (p *CertificateDigestPolicy) VerifyHostname(string, []*x509.Certificate) error {
	return nil
}

func (p *CertificateDigestPolicy) Inventory() Inventory {
	inv := Inventory{Certificates: p.certs}
	for d := range p.digests {
		inv.Digests = append(inv.Digests, d)
	}
	return inv
}

// CertificateAuthorityPolicy requires a chain to one of the configured roots
// and a leaf valid for the destination host name.
type CertificateAuthorityPolicy struct {
	roots       *x509.CertPool
	authorities []*x509.Certificate
	now         func() time.Time
}

// NewCertificateAuthorityPolicy trusts chains issued by authorities.
func NewCertificateAuthorityPolicy(authorities ...*x509.Certificate) (*CertificateAuthorityPolicy, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("%w: no certificate authorities", ErrInvalidPolicy)
	}
	pool := x509.NewCertPool()
	for _, a := range authorities {
		pool.AddCert(a)
	}
	return &CertificateAuthorityPolicy{roots: pool, authorities: authorities, now: time.Now}, nil
}

func (p *CertificateAuthorityPolicy) Type() string { return TypeCertificateAuthority }

func (p *CertificateAuthorityPolicy) VerifyTrust(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return ErrNoPeerCertificates
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         p.roots,
		Intermediates: intermediates,
		CurrentTime:   p.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

func (p *CertificateAuthorityPolicy) VerifyHostname(host string, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return ErrNoPeerCertificates
	}
	return chain[0].VerifyHostname(host)
}

func (p *CertificateAuthorityPolicy) Inventory() Inventory {
	return Inventory{Certificates: p.authorities}
}

// SPIFFEPolicy accepts X.509 SVIDs issued by a trust domain's bundle. The
// destination is authorised by SPIFFE ID rather than DNS name.
type SPIFFEPolicy struct {
	trustDomain spiffeid.TrustDomain
	bundle      *x509bundle.Bundle
	authorize   tlsconfig.Authorizer
}

// NewSPIFFEPolicy builds a policy for trustDomain. When expectedID is empty
// any member of the trust domain is accepted.
func NewSPIFFEPolicy(trustDomain string, authorities []*x509.Certificate, expectedID string) (*SPIFFEPolicy, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if len(authorities) == 0 {
		return nil, fmt.Errorf("%w: no bundle authorities for %s", ErrInvalidPolicy, td)
	}

	authorize := tlsconfig.AuthorizeMemberOf(td)
	if expectedID != "" {
		id, err := spiffeid.FromString(expectedID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		if !id.MemberOf(td) {
			return nil, fmt.Errorf("%w: %s is not in trust domain %s", ErrInvalidPolicy, id, td)
		}
		authorize = tlsconfig.AuthorizeID(id)
	}

	return &SPIFFEPolicy{
		trustDomain: td,
		bundle:      x509bundle.FromX509Authorities(td, authorities),
		authorize:   authorize,
	}, nil
}

func (p *SPIFFEPolicy) Type() string { return TypeSPIFFE }

func (p *SPIFFEPolicy) VerifyTrust(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return ErrNoPeerCertificates
	}
	_, _, err := x509svid.Verify(chain, p.bundle)
	return err
}

func (p *SPIFFEPolicy) VerifyHostname(_ string, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return ErrNoPeerCertificates
	}
	id, err := x509svid.IDFromCert(chain[0])
	if err != nil {
		return err
	}
	return p.authorize(id, [][]*x509.Certificate{chain})
}

func (p *SPIFFEPolicy) Inventory() Inventory {
	return Inventory{Certificates: p.bundle.X509Authorities()}
}

// TrustDomain returns the configured trust domain.
func (p *SPIFFEPolicy) TrustDomain() spiffeid.TrustDomain {
	return p.trustDomain
}

// InsecurePolicy accepts any peer. It exists so that opting out of
// verification is an explicit registration, never a fallback.
type InsecurePolicy struct{}

func (InsecurePolicy) Type() string { return TypeInsecure }

func (InsecurePolicy) VerifyTrust([]*x509.Certificate) error { return nil }

func (InsecurePolicy) VerifyHostname(string, []*x509.Certificate) error { return nil }

func (InsecurePolicy) Inventory() Inventory { return Inventory{} }
