package feasibility

import "github.com/lutherie-works/rmos/pkg/contracts"

// Edge policies. These refine scoring near operating limits and flag
// reliance on defaults. They never change the bucket by themselves, only
// the score.
var edgeRules = []Rule{
	{
		ID:       "F030",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  5,
		Summary:  "spindle speed near material maximum",
		Check: func(in *Inputs) *contracts.Violation {
			rpm := in.Params.RPM
			floor := in.Band.MaxRPM * (1 - nearBandFraction)
			if finite(rpm) && rpm >= floor && rpm <= in.Band.MaxRPM {
				return &contracts.Violation{
					Message: "spindle speed is within 5 percent of the material maximum",
					Evidence: map[string]any{
						"rpm":     rpm,
						"max_rpm": in.Band.MaxRPM,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F031",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  5,
		Summary:  "feed near machine ceiling",
		Check: func(in *Inputs) *contracts.Violation {
			feed := in.Params.FeedMmMin
			floor := MaxFeedMmMin * (1 - nearBandFraction)
			if finite(feed) && feed >= floor && feed <= MaxFeedMmMin {
				return &contracts.Violation{
					Message: "feed rate is within 5 percent of the machine ceiling",
					Evidence: map[string]any{
						"feed_mm_min":     feed,
						"max_feed_mm_min": MaxFeedMmMin,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F032",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  3,
		Summary:  "stock near minimum thickness",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if finite(p.ThicknessMm) &&
					p.ThicknessMm >= MinStockThicknessMm &&
					p.ThicknessMm < MinStockThicknessMm+nearThicknessMm {
					return &contracts.Violation{
						Message: "stock thickness is within 0.2 mm of the minimum",
						Evidence: map[string]any{
							"part_id":      p.PartID,
							"thickness_mm": p.ThicknessMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F033",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  3,
		Summary:  "part near minimum width",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if finite(p.WidthMm) &&
					p.WidthMm >= MinPartWidthMm &&
					p.WidthMm < MinPartWidthMm+nearWidthMm {
					return &contracts.Violation{
						Message: "part width is within 0.5 mm of the minimum",
						Evidence: map[string]any{
							"part_id":  p.PartID,
							"width_mm": p.WidthMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F034",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  2,
		Summary:  "batch near part cap",
		Check: func(in *Inputs) *contracts.Violation {
			frac := float64(nearBatchFraction)
			threshold := int(float64(MaxBatchParts) * frac)
			if n := len(in.Parts); n >= threshold && n <= MaxBatchParts {
				return &contracts.Violation{
					Message: "batch is at 80 percent or more of the part cap",
					Evidence: map[string]any{
						"item_count":      n,
						"max_batch_parts": MaxBatchParts,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F035",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  5,
		Summary:  "mixed material families",
		Check: func(in *Inputs) *contracts.Violation {
			first := ""
			for _, p := range in.Parts {
				if p.MaterialFamily == "" {
					continue
				}
				if first == "" {
					first = p.MaterialFamily
					continue
				}
				if p.MaterialFamily != first {
					return &contracts.Violation{
						Message: "batch mixes material families, spindle band uses the context material only",
						Evidence: map[string]any{
							"first_family": first,
							"other_family": p.MaterialFamily,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F036",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  3,
		Summary:  "part near table capacity",
		Check: func(in *Inputs) *contracts.Violation {
			floor := MaxPartLengthMm * (1 - nearLengthFrac)
			for _, p := range in.Parts {
				if finite(p.LengthMm) && p.LengthMm >= floor && p.LengthMm <= MaxPartLengthMm {
					return &contracts.Violation{
						Message: "part length is within 5 percent of the table travel",
						Evidence: map[string]any{
							"part_id":   p.PartID,
							"length_mm": p.LengthMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F037",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  2,
		Summary:  "depth of cut unset",
		Check: func(in *Inputs) *contracts.Violation {
			if in.Params.DOCMm == 0 {
				return &contracts.Violation{
					Message:  "depth of cut is unset, full-depth single pass is assumed",
					Evidence: map[string]any{"doc_mm": 0},
				}
			}
			return nil
		},
	},
	{
		ID:       "F038",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  2,
		Summary:  "feed unset",
		Check: func(in *Inputs) *contracts.Violation {
			if in.Params.FeedMmMin == 0 {
				return &contracts.Violation{
					Message:  "feed rate is unset, machine default applies",
					Evidence: map[string]any{"feed_mm_min": 0},
				}
			}
			return nil
		},
	},
	{
		ID:       "F039",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  2,
		Summary:  "spindle speed unset",
		Check: func(in *Inputs) *contracts.Violation {
			if in.Params.RPM == 0 {
				return &contracts.Violation{
					Message:  "spindle speed is unset, machine default applies",
					Evidence: map[string]any{"rpm": 0},
				}
			}
			return nil
		},
	},
	{
		ID:       "F040",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  3,
		Summary:  "machine profile missing",
		Check: func(in *Inputs) *contracts.Violation {
			if in.MachineProfile == "" {
				return &contracts.Violation{
					Message:  "no machine profile given, generic limits apply",
					Evidence: map[string]any{"machine_profile": ""},
				}
			}
			return nil
		},
	},
	{
		ID:       "F041",
		Version:  "1.0.0",
		Severity: contracts.SeverityInfo,
		Penalty:  3,
		Summary:  "blade not identified",
		Check: func(in *Inputs) *contracts.Violation {
			if in.BladeID == "" {
				return &contracts.Violation{
					Message:  "no blade identifier given, kerf compensation is nominal",
					Evidence: map[string]any{"blade_id": ""},
				}
			}
			return nil
		},
	},
}
