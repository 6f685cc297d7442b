package persistence

import (
	"regexp"
	"time"

	"github.com/quadgate/sred/pkg/sredcontext"
)

// Severity ranks a validation issue (spec §4.4).
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Issue is one finding from ValidateContext.
type Issue struct {
	Severity Severity
	Code     string
	Message  string
	Key      string // metadata key, when the issue concerns one
}

var validStateIDChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// ValidateContext inspects a context for the issues spec §4.4 names:
// missing id, empty/invalid currentStateId, metadata with a null value.
func ValidateContext(ctx sredcontext.StateContext) []Issue {
	var issues []Issue
	if ctx.ID == "" {
		issues = append(issues, Issue{Severity: SeverityCritical, Code: "MISSING_ID", Message: "context has no id"})
	}
	if ctx.CurrentStateID == "" {
		issues = append(issues, Issue{Severity: SeverityError, Code: "EMPTY_STATE", Message: "currentStateId is empty"})
	} else if validStateIDChars.MatchString(ctx.CurrentStateID) {
		issues = append(issues, Issue{Severity: SeverityWarning, Code: "INVALID_STATE_CHARS", Message: "currentStateId contains characters outside [A-Za-z0-9_]"})
	}
	for k, v := range ctx.Metadata() {
		if v == nil {
			issues = append(issues, Issue{Severity: SeverityWarning, Code: "NULL_METADATA", Message: "metadata value is null", Key: k})
		}
	}
	return issues
}

// RepairContext applies the best-effort fixes spec §4.4 describes:
// an invalid current state becomes "unknown", and state-id characters
// outside [A-Za-z0-9_] are stripped.
func RepairContext(ctx sredcontext.StateContext, issues []Issue) sredcontext.StateContext {
	repaired := ctx
	for _, issue := range issues {
		switch issue.Code {
		case "EMPTY_STATE":
			repaired = repaired.WithCurrentState("unknown")
		case "INVALID_STATE_CHARS":
			sanitized := validStateIDChars.ReplaceAllString(repaired.CurrentStateID, "")
			if sanitized == "" {
				sanitized = "unknown"
			}
			repaired = repaired.WithCurrentState(sanitized)
		}
	}
	return repaired
}

// ExportedContext is the full, portable snapshot of one instance's
// durable state (spec §4.4).
type ExportedContext struct {
	Context        sredcontext.StateContext
	History        []sredcontext.StateHistoryEntry
	Snapshots      []sredcontext.StateSnapshot
	Metadata       map[string]interface{}
	ExportedAt     time.Time
	SourceInstance string
	Version        string
}
