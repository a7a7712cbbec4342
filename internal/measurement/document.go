package measurement

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// SnapshotDocument is the serialized form of a HostSnapshot exchanged with
// trust agents. Certificates travel as PEM.
type SnapshotDocument struct {
	Registers           []RegisterValue `json:"registers" yaml:"registers"`
	EventLogs           []EventLog      `json:"event_logs,omitempty" yaml:"event_logs,omitempty"`
	IdentityCertificate string          `json:"identity_certificate,omitempty" yaml:"identity_certificate,omitempty"`
	AssetTagCertificate string          `json:"asset_tag_certificate,omitempty" yaml:"asset_tag_certificate,omitempty"`
	CollectedAt         time.Time       `json:"collected_at,omitempty" yaml:"collected_at,omitempty"`
}

// Snapshot converts the document.
func (d *SnapshotDocument) Snapshot() (*HostSnapshot, error) {
	var opts []SnapshotOption

	if d.IdentityCertificate != "" {
		cert, err := DecodeCertificatePEM([]byte(d.IdentityCertificate))
		if err != nil {
			return nil, fmt.Errorf("identity certificate: %w", err)
		}
		opts = append(opts, WithIdentityCertificate(cert))
	}
	if d.AssetTagCertificate != "" {
		cert, err := DecodeCertificatePEM([]byte(d.AssetTagCertificate))
		if err != nil {
			return nil, fmt.Errorf("asset tag certificate: %w", err)
		}
		opts = append(opts, WithAssetTagCertificate(cert))
	}
	if !d.CollectedAt.IsZero() {
		opts = append(opts, WithCollectedAt(d.CollectedAt))
	}

	return NewHostSnapshot(d.Registers, d.EventLogs, opts...)
}

// NewSnapshotDocument is the inverse of SnapshotDocument.Snapshot.
func NewSnapshotDocument(s *HostSnapshot) *SnapshotDocument {
	doc := &SnapshotDocument{
		Registers:   s.Registers(),
		EventLogs:   s.EventLogs(),
		CollectedAt: s.CollectedAt(),
	}
	if s.identity != nil {
		doc.IdentityCertificate = string(EncodeCertificatePEM(s.identity))
	}
	if s.assetTag != nil {
		doc.AssetTagCertificate = string(EncodeCertificatePEM(s.assetTag))
	}
	return doc
}

// DecodeCertificatePEM decodes the first CERTIFICATE block.
func DecodeCertificatePEM(data []byte) (*x509.Certificate, error) {
	certs, err := DecodeCertificatesPEM(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// DecodeCertificatesPEM decodes every CERTIFICATE block in data.
func DecodeCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}

// EncodeCertificatePEM encodes cert as a PEM block.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
