package contracts

import "time"

// AttachmentKind is the closed vocabulary for content-addressed blobs.
type AttachmentKind string

const (
	AttachmentGCode    AttachmentKind = "gcode_output"
	AttachmentDXF      AttachmentKind = "dxf_input"
	AttachmentCAMPlan  AttachmentKind = "cam_plan"
	AttachmentAdvisory AttachmentKind = "advisory_payload"
	AttachmentJobLog   AttachmentKind = "job_log"
	AttachmentEvidence AttachmentKind = "evidence_pack"
)

// KnownAttachmentKind reports membership in the closed vocabulary.
func KnownAttachmentKind(k AttachmentKind) bool {
	switch k {
	case AttachmentGCode, AttachmentDXF, AttachmentCAMPlan,
		AttachmentAdvisory, AttachmentJobLog, AttachmentEvidence:
		return true
	}
	return false
}

// AttachmentMeta describes a stored blob. SHA256 (lowercase hex) is the
// sole identity; filename and mime are descriptive only.
type AttachmentMeta struct {
	SHA256       string         `json:"sha256"`
	MIME         string         `json:"mime"`
	Filename     string         `json:"filename,omitempty"`
	SizeBytes    int64          `json:"size_bytes"`
	Kind         AttachmentKind `json:"kind"`
	CreatedAtUTC time.Time      `json:"created_at_utc"`
}

// AdvisoryStatus tracks async advisory attachment slots.
type AdvisoryStatus string

const (
	AdvisoryPending    AdvisoryStatus = "PENDING"
	AdvisoryReady      AdvisoryStatus = "READY"
	AdvisoryFailed     AdvisoryStatus = "FAILED"
	AdvisorySuperseded AdvisoryStatus = "SUPERSEDED"
)

// AdvisoryInputRef is an append-only record linking a run to a canonical
// advisory payload stored as an attachment. It is metadata, never
// authority: nothing in the authoritative chain reads through it.
type AdvisoryInputRef struct {
	SHA256       string         `json:"sha256"`
	Kind         AttachmentKind `json:"kind"`
	ProducerID   string         `json:"producer_id"`
	RequestID    string         `json:"request_id"`
	Status       AdvisoryStatus `json:"status"`
	CreatedAtUTC time.Time      `json:"created_at_utc"`
}
