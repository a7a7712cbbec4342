package baseline

import (
	"context"
	"fmt"
	"os"

	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/veraison/corim/comid"
	"github.com/veraison/corim/corim"
	"gopkg.in/yaml.v3"
)

// Document is the YAML form used to seed a catalog.
type Document struct {
	Baselines []*ReferenceBaseline `yaml:"baselines"`
	Hosts     []*Host              `yaml:"hosts"`
}

// LoadFile reads a YAML catalog document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline file %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ParseDocument decodes and validates a YAML catalog document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse baseline document: %w", err)
	}
	for _, b := range doc.Baselines {
		measurement.SortPcrs(b.RequiredRegisters)
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}
	for _, h := range doc.Hosts {
		if h.ID == "" {
			return nil, fmt.Errorf("host %q has no id", h.Name)
		}
	}
	return &doc, nil
}

// Apply writes the document into w, baselines first.
func (d *Document) Apply(ctx context.Context, w Writer) error {
	for _, b := range d.Baselines {
		if err := w.PutBaseline(ctx, b); err != nil {
			return fmt.Errorf("failed to store baseline %s: %w", b, err)
		}
	}
	for _, h := range d.Hosts {
		if err := w.SaveHost(ctx, h); err != nil {
			return fmt.Errorf("failed to store host %s: %w", h.ID, err)
		}
	}
	return nil
}

// CoRIMOptions control how CoRIM reference values become baselines.
type CoRIMOptions struct {
	Layer   Layer
	Version string
	Target  Target
}

// ImportCoRIM converts the reference-value triples of an unsigned CoRIM
// into baselines of one layer. Each triple becomes one baseline; its
// measurements keyed by a register index with a SHA-1 sized digest become
// expected register values. Triples without such measurements are skipped.
func ImportCoRIM(data []byte, opts CoRIMOptions, logger *logrus.Logger) ([]*ReferenceBaseline, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if !opts.Layer.Valid() {
		return nil, fmt.Errorf("unknown layer %q", opts.Layer)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty CoRIM document")
	}

	var unsigned corim.UnsignedCorim
	if err := cbor.Unmarshal(data, &unsigned); err != nil {
		return nil, fmt.Errorf("invalid CBOR CoRIM: %w", err)
	}
	corimID := unsigned.GetID()

	var out []*ReferenceBaseline
	for i, tag := range unsigned.Tags {
		var c comid.Comid
		if err := c.FromCBOR(tag); err != nil {
			logger.WithError(err).WithField("tag", i).Warn("Skipping tag that is not a CoMID")
			continue
		}
		if c.Triples.ReferenceValues == nil {
			continue
		}

		for j, triple := range *c.Triples.ReferenceValues {
			b := baselineFromTriple(triple.Environment, triple.Measurements, opts)
			if len(b.Registers) == 0 {
				logger.WithFields(logrus.Fields{"tag": i, "triple": j}).Debug("Triple has no register measurements")
				continue
			}
			if b.Name == "" {
				b.Name = fmt.Sprintf("%s_%03d", corimID, len(out)+1)
			}
			if err := b.Validate(); err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}

	logger.WithFields(logrus.Fields{
		"corim_id":  corimID,
		"baselines": len(out),
		"layer":     opts.Layer,
	}).Info("CoRIM reference values imported")

	return out, nil
}

func baselineFromTriple(env comid.Environment, measurements comid.Measurements, opts CoRIMOptions) *ReferenceBaseline {
	b := &ReferenceBaseline{
		Layer:   opts.Layer,
		Version: opts.Version,
		Target:  opts.Target,
	}

	if env.Class != nil {
		b.Name = env.Class.GetModel()
		vendor := env.Class.GetVendor()
		if opts.Layer == LayerBIOS {
			b.Qualifiers.OEM = vendor
		} else {
			b.Qualifiers.OSName = vendor
		}
	}

	for _, meas := range measurements {
		if meas.Key == nil || meas.Val.Digests == nil {
			continue
		}
		index, err := meas.Key.GetKeyUint()
		if err != nil || index >= measurement.PcrCount {
			continue
		}
		for _, entry := range *meas.Val.Digests {
			digest, err := measurement.DigestFromBytes(entry.HashValue)
			if err != nil {
				continue
			}
			pcr := measurement.PcrIndex(index)
			b.Registers = append(b.Registers, ExpectedRegister{Index: pcr, Value: digest.Hex()})
			b.RequiredRegisters = append(b.RequiredRegisters, pcr)
			break
		}
	}
	measurement.SortPcrs(b.RequiredRegisters)
	return b
}
