package feasibility

import "github.com/lutherie-works/rmos/pkg/contracts"

// Core safety rules. Any violation here makes the run unmachinable on the
// reference saw cell regardless of score.
var coreRules = []Rule{
	{
		ID:       "F001",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "part thickness exceeds maximum cut depth",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if finite(p.ThicknessMm) && p.ThicknessMm > MaxCutDepthMm {
					return &contracts.Violation{
						Message: "part thickness exceeds the maximum cut depth of the saw",
						Evidence: map[string]any{
							"part_id":          p.PartID,
							"thickness_mm":     p.ThicknessMm,
							"max_cut_depth_mm": MaxCutDepthMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F002",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "part too narrow to hold safely",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if finite(p.WidthMm) && p.WidthMm > 0 && p.WidthMm < MinPartWidthMm {
					return &contracts.Violation{
						Message: "part width is below the minimum safe holding width",
						Evidence: map[string]any{
							"part_id":           p.PartID,
							"width_mm":          p.WidthMm,
							"min_part_width_mm": MinPartWidthMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F003",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "spindle speed above material maximum",
		Check: func(in *Inputs) *contracts.Violation {
			rpm := in.Params.RPM
			if finite(rpm) && rpm > in.Band.MaxRPM {
				return &contracts.Violation{
					Message: "spindle speed exceeds the safe maximum for the material",
					Evidence: map[string]any{
						"rpm":         rpm,
						"max_rpm":     in.Band.MaxRPM,
						"material_id": in.Context.MaterialID,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F004",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "stock below minimum thickness",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if finite(p.ThicknessMm) && p.ThicknessMm > 0 && p.ThicknessMm < MinStockThicknessMm {
					return &contracts.Violation{
						Message: "stock thickness is below the minimum the saw can cut without shattering",
						Evidence: map[string]any{
							"part_id":                p.PartID,
							"thickness_mm":           p.ThicknessMm,
							"min_stock_thickness_mm": MinStockThicknessMm,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F005",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "feed rate above machine ceiling",
		Check: func(in *Inputs) *contracts.Violation {
			feed := in.Params.FeedMmMin
			if finite(feed) && feed > MaxFeedMmMin {
				return &contracts.Violation{
					Message: "feed rate exceeds the machine axis ceiling",
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
		ID:       "F006",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "feed per revolution above blade limit",
		Check: func(in *Inputs) *contracts.Violation {
			rpm, feed := in.Params.RPM, in.Params.FeedMmMin
			if !finite(rpm) || !finite(feed) || rpm <= 0 || feed <= 0 {
				return nil
			}
			perRev := feed / rpm
			if perRev > MaxFeedPerRevMm {
				return &contracts.Violation{
					Message: "feed per spindle revolution exceeds the blade chip limit",
					Evidence: map[string]any{
						"feed_per_rev_mm":     perRev,
						"max_feed_per_rev_mm": MaxFeedPerRevMm,
						"rpm":                 rpm,
						"feed_mm_min":         feed,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F007",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "part length exceeds table capacity",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				if finite(p.LengthMm) && p.LengthMm > MaxPartLengthMm {
					return &contracts.Violation{
						Message: "part length exceeds the table travel",
						Evidence: map[string]any{
							"part_id":            p.PartID,
							"length_mm":          p.LengthMm,
							"max_part_length_mm": MaxPartLengthMm,
						},
					}
				}
			}
			return nil
		},
	},
}
