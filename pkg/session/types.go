// Package session orchestrates one verification: registry lookup, concurrent
// evidence gathering, aggregation and ledger anchoring, exposed as an explicit
// state machine queryable by session id.
package session

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// State of a verification session.
type State string

const (
	StateIdle        State = "idle"
	StateLookingUp   State = "looking_up"
	StateGathering   State = "gathering"
	StateAggregating State = "aggregating"
	StateAnchoring   State = "anchoring"
	StateComplete    State = "complete"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Cause explains a failed session.
type Cause string

const (
	CauseNotFound            Cause = "not_found"
	CauseRegistryUnavailable Cause = "registry_unavailable"
	CauseLedgerUnavailable   Cause = "ledger_unavailable"
	CauseCancelled           Cause = "cancelled"
)

var (
	ErrInvalidInput    = errors.New("session: invalid input")
	ErrSessionNotFound = errors.New("session: not found")
)

// Request starts a verification. Exactly one of Identifier (scanned) or
// ManualEntry (typed) is used; Identifier wins when both are set.
type Request struct {
	Identifier       string
	ManualEntry      string
	VerifierIdentity string
	// CallerID groups sessions of one client; a new session supersedes the
	// caller's previous unfinished one.
	CallerID string
	Image    []byte
}

// Result is a point-in-time view of a session. Verdict is set only when the
// session completed, or failed with ledger_unavailable (then Anchored is false).
type Result struct {
	SessionID  string                         `json:"session_id"`
	State      State                          `json:"state"`
	Cause      Cause                          `json:"cause,omitempty"`
	Identifier string                         `json:"identifier"`
	Catalog    *contracts.CatalogRecord       `json:"catalog,omitempty"`
	Verdict    *contracts.VerificationVerdict `json:"verdict,omitempty"`
	Record     *contracts.LedgerRecord        `json:"record,omitempty"`
	Anchored   bool                           `json:"anchored"`
	Readings   []contracts.TelemetryReading   `json:"readings,omitempty"`
	Notes      []string                       `json:"notes,omitempty"`
	StartedAt  time.Time                      `json:"started_at"`
	FinishedAt time.Time                      `json:"finished_at,omitempty"`
}

const maxIdentifierLen = 64

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NormalizeIdentifier trims a scanned or typed code and validates it.
func NormalizeIdentifier(req Request) (string, error) {
	raw := req.Identifier
	if strings.TrimSpace(raw) == "" {
		raw = req.ManualEntry
	}
	id := strings.TrimSpace(raw)
	switch {
	case id == "":
		return "", errors.Join(ErrInvalidInput, errors.New("identifier is empty"))
	case len(id) > maxIdentifierLen:
		return "", errors.Join(ErrInvalidInput, errors.New("identifier longer than 64 characters"))
	case !identifierPattern.MatchString(id):
		return "", errors.Join(ErrInvalidInput, errors.New("identifier contains characters outside [A-Za-z0-9._-]"))
	}
	return id, nil
}
