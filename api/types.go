package api

import (
	"context"

	"shopfloor-api/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, department, continuationToken string, limit int) ([]domain.Task, string, error)
	TaskByID(ctx context.Context, id string) (domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, id string, fields map[string]any) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error

	Subtasks(ctx context.Context, taskID string) ([]domain.Subtask, error)
	InsertSubtask(ctx context.Context, st domain.Subtask) error
	UpdateSubtask(ctx context.Context, id string, fields map[string]any) error

	Comments(ctx context.Context, taskID string) ([]domain.Comment, error)
	InsertComment(ctx context.Context, c domain.Comment) error

	ProfileByID(ctx context.Context, id string) (domain.Profile, error)
	ProfileByEmail(ctx context.Context, email string) (domain.Profile, error)
	InsertProfile(ctx context.Context, p domain.Profile) error

	EnqueueEmail(ctx context.Context, env domain.EmailEnvelope) error
}

// InvalidContinuationTokenError is returned when a supplied pagination token is malformed or expired.
type InvalidContinuationTokenError interface {
	error
	InvalidContinuationToken()
}

// Claims is the validated subset of the access token handlers care about.
type Claims struct {
	UserID string
	Email  string
}

// Authenticator is implemented by types able to extract claims from headers.
type Authenticator interface {
	ClaimsFromAuthHeader(string) (Claims, error)
}

// Deduper prevents duplicate email dispatch across instances.
type Deduper interface {
	// Add records the key and returns true if it was newly added.
	Add(ctx context.Context, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, key string) error
}

// Approver forwards approval requests to the external serverless function.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (map[string]any, error)
}

// ApprovalRequest is the payload forwarded to the approval function.
type ApprovalRequest struct {
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	ApprovedBy string `json:"approvedBy"`
	UserEmail  string `json:"userEmail,omitempty"`
	UserName   string `json:"userName,omitempty"`
}

// Notifier broadcasts profile changes to open session streams so they
// re-resolve the affected identity.
type Notifier interface {
	AuthChanged(ctx context.Context, userID string)
}

// ProfileEvictor drops a cached profile row. Profile writes happen
// outside this process, so the row must be invalidated before streams
// are told to re-resolve.
type ProfileEvictor interface {
	EvictProfile(ctx context.Context, id string)
}
