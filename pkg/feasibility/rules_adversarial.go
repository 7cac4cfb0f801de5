package feasibility

import "github.com/lutherie-works/rmos/pkg/contracts"

// Adversarial detectors. These catch pathological or contradictory
// payloads that would otherwise slip past the geometric rules, including
// inputs crafted by advisory producers. All are hard failures.
var adversarialRules = []Rule{
	{
		ID:       "F020",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "empty batch",
		Check: func(in *Inputs) *contracts.Violation {
			if len(in.Parts) == 0 {
				return &contracts.Violation{
					Message:  "batch contains no parts",
					Evidence: map[string]any{"item_count": 0},
				}
			}
			return nil
		},
	},
	{
		ID:       "F021",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "non-positive or non-finite dimension",
		Check: func(in *Inputs) *contracts.Violation {
			for _, p := range in.Parts {
				dims := []struct {
					Name  string
					Value float64
				}{
					{"thickness_mm", p.ThicknessMm},
					{"width_mm", p.WidthMm},
					{"length_mm", p.LengthMm},
				}
				for _, d := range dims {
					name, v := d.Name, d.Value
					if !finite(v) || v <= 0 {
						return &contracts.Violation{
							Message: "part has a non-positive or non-finite dimension",
							Evidence: map[string]any{
								"part_id":   p.PartID,
								"dimension": name,
								"value":     v,
							},
						}
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F022",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "non-finite cutting parameter",
		Check: func(in *Inputs) *contracts.Violation {
			params := []struct {
				Name  string
				Value float64
			}{
				{"rpm", in.Params.RPM},
				{"feed_mm_min", in.Params.FeedMmMin},
				{"doc_mm", in.Params.DOCMm},
				{"woc_mm", in.Params.WOCMm},
			}
			for _, pr := range params {
				name, v := pr.Name, pr.Value
				if !finite(v) || v < 0 {
					return &contracts.Violation{
						Message: "cutting parameter is negative or non-finite",
						Evidence: map[string]any{
							"parameter": name,
							"value":     v,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F023",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "duplicate part identifier",
		Check: func(in *Inputs) *contracts.Violation {
			seen := make(map[string]bool, len(in.Parts))
			for _, p := range in.Parts {
				if p.PartID == "" {
					return &contracts.Violation{
						Message:  "part is missing an identifier",
						Evidence: map[string]any{"part_id": ""},
					}
				}
				if seen[p.PartID] {
					return &contracts.Violation{
						Message:  "duplicate part identifier within the batch",
						Evidence: map[string]any{"part_id": p.PartID},
					}
				}
				seen[p.PartID] = true
			}
			return nil
		},
	},
	{
		ID:       "F024",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "operation type outside vocabulary",
		Check: func(in *Inputs) *contracts.Violation {
			if !opTypes[in.OpType] {
				return &contracts.Violation{
					Message:  "operation type is not in the saw vocabulary",
					Evidence: map[string]any{"op_type": in.OpType},
				}
			}
			return nil
		},
	},
	{
		ID:       "F025",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "unknown material",
		Check: func(in *Inputs) *contracts.Violation {
			if !in.BandKnown {
				return &contracts.Violation{
					Message:  "context material has no spindle band on record",
					Evidence: map[string]any{"material_id": in.Context.MaterialID},
				}
			}
			for _, p := range in.Parts {
				if p.MaterialFamily != "" && !knownFamily(p.MaterialFamily) {
					return &contracts.Violation{
						Message: "part material family has no spindle band on record",
						Evidence: map[string]any{
							"part_id":         p.PartID,
							"material_family": p.MaterialFamily,
						},
					}
				}
			}
			return nil
		},
	},
	{
		ID:       "F026",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "batch exceeds size cap",
		Check: func(in *Inputs) *contracts.Violation {
			if len(in.Parts) > MaxBatchParts {
				return &contracts.Violation{
					Message: "batch exceeds the per-run part cap",
					Evidence: map[string]any{
						"item_count":      len(in.Parts),
						"max_batch_parts": MaxBatchParts,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F027",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "cut deeper than stock",
		Check: func(in *Inputs) *contracts.Violation {
			doc := in.Params.DOCMm
			if !finite(doc) || doc <= 0 {
				return nil
			}
			for _, p := range in.Parts {
				if finite(p.ThicknessMm) && p.ThicknessMm > 0 && doc > p.ThicknessMm {
					return &contracts.Violation{
						Message: "depth of cut exceeds part thickness",
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
		ID:       "F028",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "feed against a stopped spindle",
		Check: func(in *Inputs) *contracts.Violation {
			if in.Params.RPM == 0 && finite(in.Params.FeedMmMin) && in.Params.FeedMmMin > 0 {
				return &contracts.Violation{
					Message: "feed is commanded with a stopped spindle",
					Evidence: map[string]any{
						"rpm":         0,
						"feed_mm_min": in.Params.FeedMmMin,
					},
				}
			}
			return nil
		},
	},
	{
		ID:       "F029",
		Version:  "1.0.0",
		Severity: contracts.SeverityHard,
		Penalty:  100,
		Summary:  "payload exceeds size limit",
		Check: func(in *Inputs) *contracts.Violation {
			if in.PayloadBytes > MaxPayloadBytes {
				return &contracts.Violation{
					Message: "design payload exceeds the size limit",
					Evidence: map[string]any{
						"payload_bytes":     in.PayloadBytes,
						"max_payload_bytes": MaxPayloadBytes,
					},
				}
			}
			return nil
		},
	},
}
