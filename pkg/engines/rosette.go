package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
)

const (
	RosetteVersion       = "0.7.0"
	RosettePostProcessor = "0.9.1"

	rosetteSafeZMm     = 5.0
	rosetteDefaultFeed = 600.0
	rosetteDefaultRPM  = 12000.0
	rosetteSegments    = 96
)

// RosetteRing is one concentric channel of a rosette pattern.
type RosetteRing struct {
	RadiusMm float64 `json:"radius_mm"`
	DepthMm  float64 `json:"depth_mm"`
}

// RosetteSpec is the SPEC payload for the rosette tool.
type RosetteSpec struct {
	SessionID  string        `json:"session_id"`
	BatchLabel string        `json:"batch_label"`
	Rings      []RosetteRing `json:"rings"`
	OpType     string        `json:"op_type"`
}

// RosetteEngine cuts concentric rosette channels as closed polygonal
// approximations with a fixed segment count.
type RosetteEngine struct{}

func (RosetteEngine) Name() string                 { return "rosette" }
func (RosetteEngine) Version() string              { return RosetteVersion }
func (RosetteEngine) PostProcessorVersion() string { return RosettePostProcessor }

type rosetteSummary struct {
	RingCount   int     `json:"ring_count"`
	Segments    int     `json:"segments"`
	TotalPathMm float64 `json:"total_path_mm"`
	FeedMmMin   float64 `json:"feed_mm_min"`
	RPM         float64 `json:"rpm"`
}

func (RosetteEngine) Compute(ctx context.Context, specPayload json.RawMessage, mctx contracts.MachiningContext, verdict *contracts.Verdict) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var spec RosetteSpec
	if err := json.Unmarshal(specPayload, &spec); err != nil {
		return nil, fmt.Errorf("rosette: payload parse: %w", err)
	}
	if len(spec.Rings) == 0 {
		return nil, fmt.Errorf("rosette: no rings")
	}

	feed := mctx.Params.FeedMmMin
	if feed == 0 {
		feed = rosetteDefaultFeed
	}
	rpm := mctx.Params.RPM
	if rpm == 0 {
		rpm = rosetteDefaultRPM
	}

	var g strings.Builder
	g.WriteString("%\n")
	fmt.Fprintf(&g, "(RMOS ROSETTE %s)\n", spec.BatchLabel)
	fmt.Fprintf(&g, "(FINGERPRINT %s)\n", verdict.InputsFingerprint)
	g.WriteString("G21 G90 G17\n")
	fmt.Fprintf(&g, "S%.0f M3\n", rpm)

	total := 0.0
	for i, ring := range spec.Rings {
		if ring.RadiusMm <= 0 {
			return nil, fmt.Errorf("rosette: ring %d has non-positive radius", i)
		}
		fmt.Fprintf(&g, "(RING %d R%.3f)\n", i, ring.RadiusMm)
		fmt.Fprintf(&g, "G0 Z%.3f\n", rosetteSafeZMm)
		fmt.Fprintf(&g, "G0 X%.3f Y0.000\n", ring.RadiusMm)
		fmt.Fprintf(&g, "G1 Z%.3f F%.1f\n", -ring.DepthMm, feed/2)
		for s := 1; s <= rosetteSegments; s++ {
			theta := 2 * math.Pi * float64(s) / rosetteSegments
			x := ring.RadiusMm * math.Cos(theta)
			y := ring.RadiusMm * math.Sin(theta)
			fmt.Fprintf(&g, "G1 X%.3f Y%.3f F%.1f\n", x, y, feed)
		}
		total += 2 * math.Pi * ring.RadiusMm
	}
	g.WriteString("M5\nG0 Z25.000\nM30\n%\n")

	summaryJSON, err := canonicalize.JCS(rosetteSummary{
		RingCount:   len(spec.Rings),
		Segments:    rosetteSegments,
		TotalPathMm: total,
		FeedMmMin:   feed,
		RPM:         rpm,
	})
	if err != nil {
		return nil, fmt.Errorf("rosette: summary: %w", err)
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
		},
	}, nil
}
