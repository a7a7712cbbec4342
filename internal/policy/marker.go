package policy

// Marker aggregates rules into one named trust verdict.
type Marker string

const (
	MarkerBIOS     Marker = "BIOS"
	MarkerVMM      Marker = "VMM"
	MarkerAssetTag Marker = "ASSET_TAG"
)

// AllMarkers lists the markers the engine knows about.
var AllMarkers = []Marker{MarkerBIOS, MarkerVMM, MarkerAssetTag}

type markerSet struct {
	markers []Marker
}

func newMarkerSet(markers []Marker) (markerSet, error) {
	if len(markers) == 0 {
		return markerSet{}, ErrNoMarkers
	}
	seen := make(map[Marker]bool, len(markers))
	out := make([]Marker, 0, len(markers))
	for _, m := range markers {
		if m == "" {
			return markerSet{}, ErrNoMarkers
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return markerSet{markers: out}, nil
}

// Markers returns the rule's markers.
func (s markerSet) Markers() []Marker {
	out := make([]Marker, len(s.markers))
	copy(out, s.markers)
	return out
}

// HasMarker reports whether the rule carries m.
func (s markerSet) HasMarker(m Marker) bool {
	for _, x := range s.markers {
		if x == m {
			return true
		}
	}
	return false
}
