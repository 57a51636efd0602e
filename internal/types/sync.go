package types

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus represents the current status of a sync operation
type SyncStatus string

const (
	SyncStatusStarted   SyncStatus = "started"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
)

// SyncType represents the type of sync operation
type SyncType string

const (
	SyncTypeHeavyRotation SyncType = "heavy_rotation"
	SyncTypeRefresh       SyncType = "refresh"
)

// SyncSummary counts what one sync run changed.
type SyncSummary struct {
	Existing  int           `json:"existing"`
	Created   int           `json:"created"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Merged    int           `json:"merged"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
}

// ToMap converts the sync summary to a map for event publishing
func (s SyncSummary) ToMap() map[string]any {
	return map[string]any{
		"existing":  s.Existing,
		"created":   s.Created,
		"inserted":  s.Inserted,
		"updated":   s.Updated,
		"merged":    s.Merged,
		"conflicts": s.Conflicts,
		"duration":  s.Duration.String(),
		"startTime": s.StartTime,
		"endTime":   s.EndTime,
	}
}

// SyncState is the last known state of a sync run, kept in valkey.
type SyncState struct {
	ID        string       `json:"id"`
	Type      SyncType     `json:"type"`
	Status    SyncStatus   `json:"status"`
	Message   string       `json:"message"`
	StartTime time.Time    `json:"startTime"`
	EndTime   *time.Time   `json:"endTime,omitempty"`
	Summary   *SyncSummary `json:"summary,omitempty"`
	Error     *string      `json:"error,omitempty"`
}

func NewSyncState(syncType SyncType, now time.Time) *SyncState {
	return &SyncState{
		ID:        uuid.New().String(),
		Type:      syncType,
		Status:    SyncStatusStarted,
		Message:   "Sync started",
		StartTime: now,
	}
}

func (s *SyncState) Complete(summary SyncSummary) {
	s.Status = SyncStatusCompleted
	s.Message = "Sync completed"
	s.Summary = &summary
	endTime := summary.EndTime
	s.EndTime = &endTime
}

func (s *SyncState) Fail(err error, now time.Time) {
	message := err.Error()
	s.Status = SyncStatusError
	s.Message = "Sync failed"
	s.Error = &message
	s.EndTime = &now
}
