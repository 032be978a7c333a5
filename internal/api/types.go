package api

import (
	"shelfsync/internal/sessionstate"
	"shelfsync/internal/syncer"
)

// SyncRequest is the payload that starts a sync, on every transport.
type SyncRequest = syncer.Request

// CleanupRequest names the user whose stored books are removed.
type CleanupRequest struct {
	UserID string `json:"user_id"`
}

// CleanupResponse reports how many rows were removed.
type CleanupResponse struct {
	UserID  string `json:"user_id"`
	Deleted int64  `json:"deleted"`
}

// RunStatus captures the lifecycle stage of a sync run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusFailed     RunStatus = "failed"
)

// RunSummary is the public view of a run.
type RunSummary = sessionstate.Snapshot

type errorResponse struct {
	Error string `json:"error"`
}
