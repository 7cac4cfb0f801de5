package feasibility

import "github.com/lutherie-works/rmos/pkg/contracts"

// Parametric warnings. The cut is machinable but the parameters risk
// burn marks, rubbing, or deflection. Violations here cap the verdict at
// YELLOW.
var parametricRules = []Rule{
	{
		ID:       "F010",
		Version:  "1.0.0",
		Severity: contracts.SeveritySoft,
		Penalty:  15,
		Summary:  "spindle speed below material minimum",
		Check: func(in *Inputs) *contracts.Violation {
			rpm := in.Params.RPM
			if finite(rpm) && rpm > 0 && rpm < in.Band.MinRPM {
				return &contracts.Violation{
					Message: "spindle speed is below the material minimum and risks burning",
					Evidence: map[string]any{
						"rpm":         rpm,
						"min_rpm":     in.Band.MinRPM,
						"material_id": in.Context.MaterialID,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F011",
		Version:  "1.0.0",
		Severity: contracts.SeveritySoft,
		Penalty:  10,
		Summary:  "feed below effective minimum",
		Check: func(in *Inputs) *contracts.Violation {
			feed := in.Params.FeedMmMin
			if finite(feed) && feed > 0 && feed < MinEffectiveFeed {
				return &contracts.Violation{
					Message: "feed rate is below the effective minimum and the blade will rub",
					Evidence: map[string]any{
						"feed_mm_min":     feed,
						"min_feed_mm_min": MinEffectiveFeed,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F012",
		Version:  "1.0.0",
		Severity: contracts.SeveritySoft,
		Penalty:  15,
		Summary:  "depth of cut aggressive for thinnest part",
		Check: func(in *Inputs) *contracts.Violation {
			doc := in.Params.DOCMm
			if !finite(doc) || doc <= 0 {
				return nil
			}
			for _, p := range in.Parts {
				if !finite(p.ThicknessMm) || p.ThicknessMm <= 0 {
					continue
				}
				if doc <= p.ThicknessMm && doc > p.ThicknessMm*0.6 {
					return &contracts.Violation{
						Message: "depth of cut exceeds 60 percent of part thickness",
						Evidence: map[string]any{
							"part_id":      p.PartID,
							"doc_mm":       doc,
							"thickness_mm": p.ThicknessMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F013",
		Version:  "1.0.0",
		Severity: contracts.SeveritySoft,
		Penalty:  10,
		Summary:  "slender part deflection risk",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if !finite(p.LengthMm) || !finite(p.WidthMm) || p.WidthMm <= 0 {
					continue
				}
				if p.LengthMm/p.WidthMm > 50 {
					return &contracts.Violation{
						Message: "part aspect ratio above 50 risks deflection during the cut",
						Evidence: map[string]any{
							"part_id":      p.PartID,
							"length_mm":    p.LengthMm,
							"width_mm":     p.WidthMm,
							"aspect_ratio": p.LengthMm / p.WidthMm,
						},
					}
				}
			}
			return nil
		},
	},
}
