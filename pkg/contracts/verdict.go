package contracts

// Bucket is the coarse feasibility verdict.
type Bucket string

const (
	BucketGreen  Bucket = "GREEN"
	BucketYellow Bucket = "YELLOW"
	BucketRed    Bucket = "RED"
)

// Severity classifies a rule violation.
type Severity string

const (
	SeverityHard Severity = "HARD"
	SeveritySoft Severity = "SOFT"
	SeverityInfo Severity = "INFO"
)

// Violation is one machine-readable feasibility finding. Evidence carries
// the measured values that triggered the rule.
type Violation struct {
	RuleID   string         `json:"rule_id"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Verdict is the authoritative output of the feasibility engine. Given
// identical inputs and engine version, the verdict is byte-identical.
type Verdict struct {
	Bucket            Bucket      `json:"bucket"`
	Score             int         `json:"score"`
	Violations        []Violation `json:"violations"`
	InputsFingerprint string      `json:"inputs_fingerprint"`
	EngineVersion     string      `json:"engine_version"`
}

// Blocking reports whether the verdict hard-blocks approval and execution.
func (v *Verdict) Blocking() bool {
	return v.Bucket == BucketRed
}
