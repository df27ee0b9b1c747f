package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Process is a reusable decision process definition. Schema holds the phase
// machine JSON; Config holds default instance configuration, which for
// legacy processes may embed a machine definition with its own
// proposalTemplate.
type Process struct {
	ID          string
	Name        string
	Description string
	Schema      json.RawMessage
	Config      json.RawMessage
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Instance is one concrete run of a process. InstanceData is the JSONB blob
// carrying currentPhaseId, per-phase overrides and the instance's own
// proposal template; CurrentStateID mirrors instanceData.currentPhaseId as
// a queryable column and the two are written together, always.
type Instance struct {
	ID             string
	ProcessID      string
	Name           string
	Status         string
	CurrentStateID string
	InstanceData   json.RawMessage
	CreatedBy      string
	PublishedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition is a scheduled phase change for an instance. CompletedAt is
// set exactly once; completed rows are history and never rescheduled.
type Transition struct {
	ID            string
	InstanceID    string
	FromStateID   string
	ToStateID     string
	ScheduledDate time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// Proposal is a member submission inside an instance. Data is the payload
// JSONB, stored normalized.
type Proposal struct {
	ID          string
	InstanceID  string
	Status      string
	Visibility  string
	Data        json.RawMessage
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
}

// Attachment is an uploaded file linked to a proposal, stored in object
// storage under ObjectKey.
type Attachment struct {
	ID         string
	ProposalID string
	FileName   string
	MimeType   string
	SizeBytes  int64
	ObjectKey  string
	UploadedBy string
	CreatedAt  time.Time
}
