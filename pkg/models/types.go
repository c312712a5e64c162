package models

import "time"

// JobStatus is the lifecycle state of a hunting job
type JobStatus string

const (
	JobCreated     JobStatus = "CREATED"
	JobRunning     JobStatus = "RUNNING"
	JobTransferred JobStatus = "TRANSFERRED"
	JobStopped     JobStatus = "STOPPED"
	JobFailed      JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed for the job
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobTransferred, JobStopped, JobFailed:
		return true
	default:
		return false
	}
}

// LegStatus is the lifecycle state of one outbound call
type LegStatus string

const (
	LegDialing     LegStatus = "DIALING"
	LegRinging     LegStatus = "RINGING"
	LegAnswered    LegStatus = "ANSWERED"
	LegHolding     LegStatus = "HOLDING"
	LegLive        LegStatus = "LIVE"
	LegTransferred LegStatus = "TRANSFERRED"
	LegEnded       LegStatus = "ENDED"
	LegFailed      LegStatus = "FAILED"
)

// IsTerminal reports whether the leg is done racing
func (s LegStatus) IsTerminal() bool {
	switch s {
	case LegTransferred, LegEnded, LegFailed:
		return true
	default:
		return false
	}
}

// IsWinning reports whether the leg has been picked up by a live agent
func (s LegStatus) IsWinning() bool {
	return s == LegLive || s == LegTransferred
}

// Failure reasons recorded on legs
const (
	ReasonVoicemail       = "voicemail"
	ReasonTooBusy         = "too_busy"
	ReasonPlacementFailed = "placement_failed"
	ReasonTransferFailed  = "transfer_failed"
	ReasonJobStopped      = "job_stopped"
	ReasonReconciled      = "reconciled"
)

// Last event markers written alongside provider statuses
const (
	EventDTMF1Sent     = "dtmf1_sent"
	EventDTMF2Sent     = "dtmf2_sent"
	EventHoldMusic     = "hold_music_detected"
	EventLiveDetected  = "live_detected"
	EventTransferred   = "transferred"
	EventTransferError = "transfer_failed"
	EventHangup        = "hangup"
	EventOverride      = "manual_override"
)

// Job is one hunting attempt
type Job struct {
	ID                string     `json:"id"`
	DestinationNumber string     `json:"destination_number"`
	QueueNumber       string     `json:"queue_number"`
	QueueExtension    string     `json:"queue_extension,omitempty"`
	QueueID           string     `json:"queue_id,omitempty"`
	LineCount         int        `json:"line_count"`
	Status            JobStatus  `json:"status"`
	WinningLegID      string     `json:"winning_leg_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	TransferredAt     *time.Time `json:"transferred_at,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
}

// CallLeg is one concurrent outbound call belonging to a job
type CallLeg struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Index          int        `json:"index"`
	CallSID        string     `json:"call_sid,omitempty"`
	Status         LegStatus  `json:"status"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	ManualOverride bool       `json:"manual_override,omitempty"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
	HoldStartedAt  *time.Time `json:"hold_started_at,omitempty"`
	DTMF2SentAt    *time.Time `json:"dtmf2_sent_at,omitempty"`
	LiveDetectedAt *time.Time `json:"live_detected_at,omitempty"`
	TransferredAt  *time.Time `json:"transferred_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	LastEventType  string     `json:"last_event_type,omitempty"`
}

// LegEvent is one entry of a leg's bounded status history
type LegEvent struct {
	Status    LegStatus `json:"status"`
	EventType string    `json:"event_type"`
	At        time.Time `json:"at"`
}

// DetectionSnapshot is the externally visible state of a leg's classifier
type DetectionSnapshot struct {
	LegID            string     `json:"leg_id"`
	Phase            string     `json:"phase"`
	Confidence       float64    `json:"confidence"`
	HoldMusic        bool       `json:"hold_music"`
	MusicStoppedAt   *time.Time `json:"music_stopped_at,omitempty"`
	StrategiesPassed []string   `json:"strategies_passed"`
	Live             bool       `json:"live"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StartJobRequest holds the operator's parameters for a new job
type StartJobRequest struct {
	DestinationNumber string `json:"destination_number"`
	QueueNumber       string `json:"queue_number"`
	QueueExtension    string `json:"queue_extension,omitempty"`
	QueueID           string `json:"queue_id,omitempty"`
	LineCount         int    `json:"line_count"`
}

// PlacementEvent is a due call placement travelling through the placement stream
type PlacementEvent struct {
	LegID   string    `json:"leg_id"`
	JobID   string    `json:"job_id"`
	DueAt   time.Time `json:"due_at"`
	Attempt int       `json:"attempt"`
}
