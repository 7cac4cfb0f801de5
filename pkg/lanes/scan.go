package lanes

import (
	"fmt"
	"regexp"
	"strings"
)

// The governance scan keeps geometry out of routing code. Router and
// handler files wire requests to the pipeline; any trigonometry or
// dense numeric tuning in them means domain logic leaked out of the
// engines, where it would escape feasibility gating and versioning.

var trigIdentPattern = regexp.MustCompile(
	`\bmath\.(Sin|Cos|Tan|Asin|Acos|Atan|Atan2|Sincos|Hypot|Pi)\b`)

var numericLiteralPattern = regexp.MustCompile(
	`\b\d+\.\d+(e[+-]?\d+)?\b`)

// maxNumericDensity is the allowed ratio of numeric-literal lines to
// total non-blank lines in a routing file.
const maxNumericDensity = 0.05

// Finding is one governance violation in a scanned file.
type Finding struct {
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (f Finding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %s", f.File, f.Line, f.Rule, f.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", f.File, f.Rule, f.Detail)
}

// ScanRoutingSource checks one routing file's source text. The filename
// is carried into findings only.
func ScanRoutingSource(filename string, src []byte) []Finding {
	findings := []Finding{}
	lines := strings.Split(string(src), "\n")

	numericLines := 0
	codeLines := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		codeLines++
		if m := trigIdentPattern.FindString(line); m != "" {
			findings = append(findings, Finding{
				File:   filename,
				Line:   i + 1,
				Rule:   "no-trig-in-routing",
				Detail: fmt.Sprintf("%s belongs in an engine, not a router", m),
			})
		}
		if numericLiteralPattern.MatchString(line) {
			numericLines++
		}
	}

	if codeLines > 0 {
		density := float64(numericLines) / float64(codeLines)
		if density > maxNumericDensity {
			findings = append(findings, Finding{
				File: filename,
				Rule: "numeric-density",
				Detail: fmt.Sprintf(
					"%d of %d lines carry numeric constants; move tuning into engine code",
					numericLines, codeLines),
			})
		}
	}
	return findings
}
