package integrity

// Status tracks the verification pipeline stage of one transfer.
type Status string

const (
	StatusNone                  Status = "none"
	StatusComputing             Status = "computing"
	StatusWaiting               Status = "waiting"
	StatusVerifying             Status = "verifying"
	StatusVerified              Status = "verified"
	StatusFailed                Status = "failed"
	StatusSkippedTooLarge       Status = "skipped_too_large"
	StatusUnverifiableStreaming Status = "unverifiable_streaming"
)

// Verdict is the tri-state outcome of comparing digests.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictMatch
	VerdictMismatch
)

func (v Verdict) String() string {
	switch v {
	case VerdictMatch:
		return "match"
	case VerdictMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Compare returns VerdictUnknown when either digest is missing.
func Compare(expected, computed string) Verdict {
	if expected == "" || computed == "" {
		return VerdictUnknown
	}
	if expected == computed {
		return VerdictMatch
	}
	return VerdictMismatch
}
