package feasibility

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// Operating limits of the reference saw cell. Rule thresholds reference
// these constants so boundary tests can hit exact edges.
const (
	MinStockThicknessMm = 1.0
	MinPartWidthMm      = 3.0
	MaxCutDepthMm       = 120.0
	MaxPartLengthMm     = 2500.0
	MaxFeedMmMin        = 12000.0
	MinEffectiveFeed    = 100.0
	MaxFeedPerRevMm     = 2.0
	MaxBatchParts       = 512
	MaxPayloadBytes     = 1 << 20

	// Edge-policy margins. Values inside the margin pass the HARD/SOFT
	// rule but collect an INFO penalty.
	nearBandFraction  = 0.05
	nearThicknessMm   = 0.2
	nearWidthMm       = 0.5
	nearLengthFrac    = 0.05
	nearBatchFraction = 0.8
)

// RPMBand is the safe spindle range for a material family.
type RPMBand struct {
	MinRPM float64
	MaxRPM float64
}

// materialBands maps material family keywords to safe spindle ranges.
// Lookup is by case-insensitive substring of the context material_id or a
// part's material_family, first match wins, so the list order is part of
// the determinism contract.
var materialBands = []struct {
	Keyword string
	Band    RPMBand
}{
	{"spruce", RPMBand{MinRPM: 2000, MaxRPM: 9000}},
	{"cedar", RPMBand{MinRPM: 2000, MaxRPM: 9000}},
	{"maple", RPMBand{MinRPM: 1800, MaxRPM: 7500}},
	{"walnut", RPMBand{MinRPM: 1800, MaxRPM: 7500}},
	{"mahogany", RPMBand{MinRPM: 1600, MaxRPM: 7000}},
	{"rosewood", RPMBand{MinRPM: 1400, MaxRPM: 6000}},
	{"ebony", RPMBand{MinRPM: 1200, MaxRPM: 5500}},
	{"softwood", RPMBand{MinRPM: 2000, MaxRPM: 9000}},
	{"hardwood", RPMBand{MinRPM: 1500, MaxRPM: 7000}},
}

// fallbackBand is used when no keyword matches so SOFT and INFO rules
// still have a reference range; F025 flags the unknown material.
var fallbackBand = RPMBand{MinRPM: 1500, MaxRPM: 7000}

// opTypes is the closed operation vocabulary for the saw cell.
var opTypes = map[string]bool{
	"rip":      true,
	"crosscut": true,
	"resaw":    true,
	"miter":    true,
	"kerf":     true,
	"slice":    true,
}

// Inputs is the canonicalized form every rule evaluates against. Parsing
// happens once so a malformed payload is an engine error, never a partial
// verdict.
type Inputs struct {
	Context        contracts.MachiningContext
	Params         contracts.MachiningParams
	OpType         string
	BladeID        string
	MachineProfile string
	Parts          []contracts.SawBatchItem
	PayloadBytes   int
	Band           RPMBand
	BandKnown      bool
}

// CanonicalInputs parses a design payload under a machining context into
// the rule input form. Effective params come from the context; a payload
// params block fills in only fields the context leaves zero.
func CanonicalInputs(specPayload json.RawMessage, mctx contracts.MachiningContext) (*Inputs, error) {
	var doc struct {
		OpType         string                     `json:"op_type"`
		BladeID        string                     `json:"blade_id"`
		MachineProfile string                     `json:"machine_profile"`
		Items          []contracts.SawBatchItem   `json:"items"`
		Params         *contracts.MachiningParams `json:"params"`
		// Ring-based tools project their channels into the part model so
		// the same rule set applies: thickness from channel depth, width
		// from the blank diameter, length from the circumference.
		Rings []struct {
			RadiusMm float64 `json:"radius_mm"`
			DepthMm  float64 `json:"depth_mm"`
		} `json:"rings"`
	}
	if err := json.Unmarshal(specPayload, &doc); err != nil {
		return nil, fmt.Errorf("feasibility: payload parse: %w", err)
	}
	if len(doc.Items) == 0 && len(doc.Rings) > 0 {
		for i, ring := range doc.Rings {
			doc.Items = append(doc.Items, contracts.SawBatchItem{
				PartID:      fmt.Sprintf("ring-%d", i),
				ThicknessMm: ring.DepthMm,
				WidthMm:     2 * ring.RadiusMm,
				LengthMm:    2 * math.Pi * ring.RadiusMm,
			})
		}
	}

	params := mctx.Params
	if doc.Params != nil {
		if params.RPM == 0 {
			params.RPM = doc.Params.RPM
		}
		if params.FeedMmMin == 0 {
			params.FeedMmMin = doc.Params.FeedMmMin
		}
		if params.DOCMm == 0 {
			params.DOCMm = doc.Params.DOCMm
		}
		if params.WOCMm == 0 {
			params.WOCMm = doc.Params.WOCMm
		}
	}

	band, known := lookupBand(mctx.MaterialID)
	in := &Inputs{
		Context:        mctx,
		Params:         params,
		OpType:         strings.ToLower(strings.TrimSpace(doc.OpType)),
		BladeID:        doc.BladeID,
		MachineProfile: doc.MachineProfile,
		Parts:          doc.Items,
		PayloadBytes:   len(specPayload),
		Band:           band,
		BandKnown:      known,
	}
	if in.MachineProfile == "" {
		in.MachineProfile = mctx.MachineProfileID
	}
	return in, nil
}

// lookupBand resolves a material identifier to its spindle band by
// keyword.
func lookupBand(materialID string) (RPMBand, bool) {
	id := strings.ToLower(materialID)
	for _, entry := range materialBands {
		if strings.Contains(id, entry.Keyword) {
			return entry.Band, true
		}
	}
	return fallbackBand, false
}

func knownFamily(family string) bool {
	_, ok := lookupBand(family)
	return ok
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
