// Package client talks to the engine HTTP API. The CLI uses it for every
// command that acts on a running server.
package client

import (
	"context"

	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/submission"
)

// EngineClient is the interface CLI commands use to reach the server. It
// is implemented by HTTPClient.
type EngineClient interface {
	Health(ctx context.Context) (string, error)
	Connectivity(ctx context.Context) (*submission.ConnectivityResult, error)

	ListEmployers(ctx context.Context) ([]*model.Employer, error)

	ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	DeleteEvent(ctx context.Context, id string) (*model.Event, error)

	// SubmitBatch and RetryBatch return the batch outcome together with
	// the error when transmission failed after the batch was formed.
	SubmitBatch(ctx context.Context, eventIDs []string) (*lifecycle.SubmitResult, error)
	RetryBatch(ctx context.Context, batchID string) (*lifecycle.SubmitResult, error)
	PollBatch(ctx context.Context, batchID string) (*lifecycle.PollResult, error)
	PollEmployer(ctx context.Context, employerID string) ([]lifecycle.BatchPoll, error)

	ScheduleSync(ctx context.Context, employerTaxID string) (*model.SyncJob, error)
	GetSyncJob(ctx context.Context, id string) (*model.SyncJob, error)
	ListSyncJobs(ctx context.Context) ([]*model.SyncJob, error)
	SyncStats(ctx context.Context) (*model.SchedulerStats, error)

	StreamEvents(ctx context.Context, topics []string, fn func(events.Message) error) error

	Close() error
}

// ListEventsRequest holds the filters of an event listing.
type ListEventsRequest struct {
	EmployerID string
	Status     []string
	Type       []string
	BatchID    string
	Sort       string
	Limit      int
	Offset     int
}

// ListEventsResponse is the response from ListEvents.
type ListEventsResponse struct {
	Events []*model.Event `json:"events"`
	Total  int            `json:"total"`
}
