// Package types provides the closed variants shared by the ingestion pipeline.
package types

import "fmt"

// Platform identifies an upstream chess site
type Platform string

const (
	// PlatformChessCom is the chess.com published-data API
	PlatformChessCom Platform = "chesscom"
	// PlatformLichess is the lichess.org public API
	PlatformLichess Platform = "lichess"
)

// Platforms lists every supported platform in a stable order
var Platforms = []Platform{PlatformChessCom, PlatformLichess}

// Valid reports whether p is a known platform
func (p Platform) Valid() bool {
	switch p {
	case PlatformChessCom, PlatformLichess:
		return true
	default:
		return false
	}
}

// ParsePlatform parses a platform name, accepting a few common spellings
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "chesscom", "chess.com", "chess_com":
		return PlatformChessCom, nil
	case "lichess", "lichess.org":
		return PlatformLichess, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// JobType is the kind of work a job performs
type JobType string

const (
	// JobTypeProfile fetches an account profile
	JobTypeProfile JobType = "profile"
	// JobTypeStats fetches per-mode rating stats
	JobTypeStats JobType = "stats"
	// JobTypeArchives enumerates the monthly game archives of an account
	JobTypeArchives JobType = "archives"
	// JobTypeGames fetches the games of one monthly archive
	JobTypeGames JobType = "games"
)

// JobTypes lists every job type
var JobTypes = []JobType{JobTypeProfile, JobTypeStats, JobTypeArchives, JobTypeGames}

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTypeProfile, JobTypeStats, JobTypeArchives, JobTypeGames:
		return true
	default:
		return false
	}
}

// ParseJobType parses a job type name
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

// JobStatus is the lifecycle state of a queued job
type JobStatus string

const (
	// JobStatusQueued is waiting for a worker
	JobStatusQueued JobStatus = "queued"
	// JobStatusLeased is claimed by a worker
	JobStatusLeased JobStatus = "leased"
	// JobStatusSucceeded is terminal success
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed is terminal failure
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled is terminal, set by an operator
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusLeased, JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status still holds its dedupe key
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusLeased
}

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// ParseJobStatus parses a job status name
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// ArchiveStatus is the fetch state of one monthly archive
type ArchiveStatus string

const (
	// ArchiveStatusPending is discovered and waiting for a games job
	ArchiveStatusPending ArchiveStatus = "pending"
	// ArchiveStatusRunning is being fetched
	ArchiveStatusRunning ArchiveStatus = "running"
	// ArchiveStatusSucceeded has all games stored
	ArchiveStatusSucceeded ArchiveStatus = "succeeded"
	// ArchiveStatusFailed exhausted its job attempts
	ArchiveStatusFailed ArchiveStatus = "failed"
	// ArchiveStatusSkipped is permanently gone upstream
	ArchiveStatusSkipped ArchiveStatus = "skipped"
)

// archiveTransitions is the archive state machine. succeeded->pending only
// happens for the current month, which keeps growing until it closes.
// running->running re-claims a unit whose lease was reaped.
var archiveTransitions = map[ArchiveStatus][]ArchiveStatus{
	ArchiveStatusPending:   {ArchiveStatusRunning},
	ArchiveStatusRunning:   {ArchiveStatusRunning, ArchiveStatusSucceeded, ArchiveStatusFailed, ArchiveStatusSkipped, ArchiveStatusPending},
	ArchiveStatusFailed:    {ArchiveStatusPending},
	ArchiveStatusSucceeded: {ArchiveStatusPending},
	ArchiveStatusSkipped:   nil,
}

// Valid reports whether s is a known archive status
func (s ArchiveStatus) Valid() bool {
	_, ok := archiveTransitions[s]
	return ok
}

// CanTransition reports whether s may move to next
func (s ArchiveStatus) CanTransition(next ArchiveStatus) bool {
	for _, allowed := range archiveTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ArchiveSourcesFor returns every status that may transition into next
func ArchiveSourcesFor(next ArchiveStatus) []ArchiveStatus {
	var sources []ArchiveStatus
	for _, from := range []ArchiveStatus{
		ArchiveStatusPending,
		ArchiveStatusRunning,
		ArchiveStatusSucceeded,
		ArchiveStatusFailed,
		ArchiveStatusSkipped,
	} {
		if from.CanTransition(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// IngestionStatus is the coarse state of an account's ingestion
type IngestionStatus string

const (
	// IngestionIdle has nothing outstanding
	IngestionIdle IngestionStatus = "idle"
	// IngestionScheduled has a job queued
	IngestionScheduled IngestionStatus = "scheduled"
	// IngestionRunning has a job leased
	IngestionRunning IngestionStatus = "running"
	// IngestionBlocked is gone or unknown upstream and is not refreshed
	IngestionBlocked IngestionStatus = "blocked"
	// IngestionError last failed terminally
	IngestionError IngestionStatus = "error"
)

// Valid reports whether s is a known ingestion status
func (s IngestionStatus) Valid() bool {
	switch s {
	case IngestionIdle, IngestionScheduled, IngestionRunning, IngestionBlocked, IngestionError:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a job failure
type ErrorKind string

const (
	// ErrorTransientNetwork is a timeout, connection failure or upstream 5xx
	ErrorTransientNetwork ErrorKind = "transient_network"
	// ErrorRateLimited is an upstream 429
	ErrorRateLimited ErrorKind = "rate_limited"
	// ErrorPermanentlyGone is an upstream 410
	ErrorPermanentlyGone ErrorKind = "permanently_gone"
	// ErrorNotFound is an upstream 404
	ErrorNotFound ErrorKind = "not_found"
	// ErrorValidation is a malformed or unexpected payload
	ErrorValidation ErrorKind = "validation"
	// ErrorPersistence is a local store failure
	ErrorPersistence ErrorKind = "persistence"
)

// Priority orders queued jobs; higher runs first
type Priority int

const (
	// PriorityMin is the lowest accepted priority
	PriorityMin Priority = 0
	// PriorityBackfill is used for archive-games backfill
	PriorityBackfill Priority = 10
	// PriorityRefresh is used for staleness-driven refreshes
	PriorityRefresh Priority = 40
	// PriorityNewAccount is used for accounts never fetched before
	PriorityNewAccount Priority = 60
	// PriorityInteractive is used for user-triggered refreshes
	PriorityInteractive Priority = 90
	// PriorityMax is the highest accepted priority
	PriorityMax Priority = 100
)

// Clamp bounds p to [PriorityMin, PriorityMax]
func (p Priority) Clamp() Priority {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
