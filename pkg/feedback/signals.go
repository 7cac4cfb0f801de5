// Package feedback closes the loop from shop-floor outcomes back into
// planning. Operators record JOB_LOG artifacts against executions; when a
// tool opts in, quality signals become LEARNING_EVENT artifacts, an
// auto-decision policy accepts or rejects them as LEARNING_DECISION
// artifacts, and accepted events persist parameter overrides. Every hook
// defaults OFF.
package feedback

import (
	"math"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// signalProfile is the full-confidence adjustment for one quality signal.
// Profiles are listed alphabetically; detection output preserves this
// order.
type signalProfile struct {
	Name        string
	Multipliers contracts.LearningMultipliers
}

var signalProfiles = []signalProfile{
	{"burn", contracts.LearningMultipliers{RPM: 0.85, Feed: 1.10, DOC: 1, WOC: 1}},
	{"chatter", contracts.LearningMultipliers{RPM: 0.90, Feed: 0.90, DOC: 0.85, WOC: 1}},
	{"kickback", contracts.LearningMultipliers{RPM: 1, Feed: 0.80, DOC: 0.75, WOC: 1}},
	{"tearout", contracts.LearningMultipliers{RPM: 1, Feed: 0.85, DOC: 0.90, WOC: 1}},
	{"tool_wear", contracts.LearningMultipliers{RPM: 0.95, Feed: 0.90, DOC: 1, WOC: 1}},
}

// Multiplier bounds. A single batch of feedback can never swing a
// parameter outside this band.
const (
	minMultiplier = 0.5
	maxMultiplier = 1.5
)

// DetectSignals derives confidence-weighted learning signals from job
// metrics. Confidence is the event count over the batch part count,
// capped at 1; the multipliers are scaled toward identity accordingly.
func DetectSignals(m contracts.JobMetrics) []contracts.LearningSignal {
	total := m.PartsOK + m.PartsScrap
	if total < 1 {
		total = 1
	}
	signals := []contracts.LearningSignal{}
	for _, p := range signalProfiles {
		count := m.Events[p.Name]
		if count <= 0 {
			continue
		}
		conf := float64(count) / float64(total)
		if conf > 1 {
			conf = 1
		}
		signals = append(signals, contracts.LearningSignal{
			Name:       p.Name,
			Confidence: conf,
			Multipliers: contracts.LearningMultipliers{
				RPM:  scale(p.Multipliers.RPM, conf),
				Feed: scale(p.Multipliers.Feed, conf),
				DOC:  scale(p.Multipliers.DOC, conf),
				WOC:  scale(p.Multipliers.WOC, conf),
			},
		})
	}
	return signals
}

// scale moves a full-confidence multiplier toward identity.
func scale(full, confidence float64) float64 {
	return 1 + confidence*(full-1)
}

// CombineSignals multiplies the per-signal adjustments and clamps each
// axis to the safety band.
func CombineSignals(signals []contracts.LearningSignal) contracts.LearningMultipliers {
	out := contracts.IdentityMultipliers()
	for _, s := range signals {
		out.RPM *= s.Multipliers.RPM
		out.Feed *= s.Multipliers.Feed
		out.DOC *= s.Multipliers.DOC
		out.WOC *= s.Multipliers.WOC
	}
	out.RPM = clamp(out.RPM)
	out.Feed = clamp(out.Feed)
	out.DOC = clamp(out.DOC)
	out.WOC = clamp(out.WOC)
	return out
}

func clamp(v float64) float64 {
	return math.Min(maxMultiplier, math.Max(minMultiplier, v))
}
