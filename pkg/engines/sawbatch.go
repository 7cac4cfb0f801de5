package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
)

// Version stamps for the saw batch engine. Any change to the generated
// G-code text bumps the post-processor version.
const (
	SawBatchVersion       = "1.4.2"
	SawBatchPostProcessor = "0.9.1"
)

const (
	sawSafeZMm      = 10.0
	sawDefaultFeed  = 1200.0
	sawDefaultRPM   = 3600.0
	sawKerfMarginMm = 0.5
)

// SawBatchEngine turns a saw batch specification into straight-line cut
// G-code. One cut program covers the whole batch, parts in input order.
type SawBatchEngine struct{}

func (SawBatchEngine) Name() string                 { return "saw_batch" }
func (SawBatchEngine) Version() string              { return SawBatchVersion }
func (SawBatchEngine) PostProcessorVersion() string { return SawBatchPostProcessor }

type sawCutSummary struct {
	PartID      string  `json:"part_id"`
	Passes      int     `json:"passes"`
	CutLengthMm float64 `json:"cut_length_mm"`
}

type sawBatchSummary struct {
	OpType         string          `json:"op_type"`
	BladeID        string          `json:"blade_id"`
	PartCount      int             `json:"part_count"`
	TotalPasses    int             `json:"total_passes"`
	TotalCutMm     float64         `json:"total_cut_mm"`
	FeedMmMin      float64         `json:"feed_mm_min"`
	RPM            float64         `json:"rpm"`
	Cuts           []sawCutSummary `json:"cuts"`
	MachineProfile string          `json:"machine_profile,omitempty"`
}

// Compute generates the batch cut program. It never consults wall time or
// randomness; retries reproduce byte-identical output.
func (SawBatchEngine) Compute(ctx context.Context, specPayload json.RawMessage, mctx contracts.MachiningContext, verdict *contracts.Verdict) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var spec contracts.SawBatchSpec
	if err := json.Unmarshal(specPayload, &spec); err != nil {
		return nil, fmt.Errorf("saw_batch: payload parse: %w", err)
	}
	if len(spec.Items) == 0 {
		return nil, fmt.Errorf("saw_batch: batch has no parts")
	}

	feed := mctx.Params.FeedMmMin
	if feed == 0 {
		feed = sawDefaultFeed
	}
	rpm := mctx.Params.RPM
	if rpm == 0 {
		rpm = sawDefaultRPM
	}
	doc := mctx.Params.DOCMm

	var g strings.Builder
	g.WriteString("%\n")
	fmt.Fprintf(&g, "(RMOS SAW BATCH %s)\n", spec.BatchLabel)
	fmt.Fprintf(&g, "(OP %s BLADE %s)\n", spec.OpType, spec.BladeID)
	fmt.Fprintf(&g, "(FINGERPRINT %s)\n", verdict.InputsFingerprint)
	g.WriteString("G21 G90 G17\n")
	fmt.Fprintf(&g, "S%.0f M3\n", rpm)

	summary := sawBatchSummary{
		OpType:         spec.OpType,
		BladeID:        spec.BladeID,
		PartCount:      len(spec.Items),
		FeedMmMin:      feed,
		RPM:            rpm,
		MachineProfile: spec.MachineProfile,
		Cuts:           make([]sawCutSummary, 0, len(spec.Items)),
	}

	for i, part := range spec.Items {
		passes := passCount(part.ThicknessMm, doc)
		fmt.Fprintf(&g, "(PART %s)\n", part.PartID)
		fmt.Fprintf(&g, "G0 Z%.3f\n", sawSafeZMm)
		fmt.Fprintf(&g, "G0 X0.000 Y%.3f\n", float64(i)*(summaryWidth(part)+sawKerfMarginMm))
		depth := 0.0
		for p := 0; p < passes; p++ {
			step := part.ThicknessMm / float64(passes)
			depth += step
			fmt.Fprintf(&g, "G1 Z%.3f F%.1f\n", -depth, feed/2)
			fmt.Fprintf(&g, "G1 X%.3f F%.1f\n", part.LengthMm, feed)
			fmt.Fprintf(&g, "G0 Z%.3f\n", sawSafeZMm)
			g.WriteString("G0 X0.000\n")
		}
		summary.TotalPasses += passes
		cutLen := part.LengthMm * float64(passes)
		summary.TotalCutMm += cutLen
		summary.Cuts = append(summary.Cuts, sawCutSummary{
			PartID:      part.PartID,
			Passes:      passes,
			CutLengthMm: cutLen,
		})
	}

	g.WriteString("M5\nG0 Z25.000\nM30\n%\n")

	summaryJSON, err := canonicalize.JCS(summary)
	if err != nil {
		return nil, fmt.Errorf("saw_batch: summary: %w", err)
	}

	return &Result{
		Summary: summaryJSON,
		Blobs: []ProducedBlob{
			{
				Kind:     contracts.AttachmentGCode,
				Filename: spec.BatchLabel + ".nc",
				MIME:     "text/x-gcode",
				Role:     "primary_output",
				Bytes:    []byte(g.String()),
			},
			{
				Kind:     contracts.AttachmentCAMPlan,
				Filename: spec.BatchLabel + "_plan.json",
				MIME:     "application/json",
				Role:     "plan_snapshot",
				Bytes:    summaryJSON,
			},
		},
	}, nil
}

// passCount derives the number of depth passes. An unset depth of cut
// means a single full-depth pass.
func passCount(thickness, doc float64) int {
	if doc <= 0 || doc >= thickness {
		return 1
	}
	passes := int(thickness / doc)
	if thickness > float64(passes)*doc {
		passes++
	}
	return passes
}

func summaryWidth(p contracts.SawBatchItem) float64 {
	if p.WidthMm > 0 {
		return p.WidthMm
	}
	return 0
}
