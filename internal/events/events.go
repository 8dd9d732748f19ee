package events

import (
	"context"

	"github.com/sstlabs/esocial-engine/internal/model"
)

// Event topic constants
const (
	TopicEventCreated      = "esocial.event.created"
	TopicEventTransitioned = "esocial.event.transitioned"
	TopicEventDeleted      = "esocial.event.deleted"

	TopicBatchSubmitted = "esocial.batch.submitted"

	TopicCertificateUploaded    = "esocial.certificate.uploaded"
	TopicCertificateActivated   = "esocial.certificate.activated"
	TopicCertificateDeactivated = "esocial.certificate.deactivated"

	TopicSyncJobFinished = "esocial.sync.job.finished"

	// TopicAll matches every topic above.
	TopicAll = "esocial.>"
)

// Event types

type EventCreated struct {
	EventID    string          `json:"event_id"`
	EmployerID string          `json:"employer_id"`
	Type       model.EventType `json:"event_type"`
	XMLID      string          `json:"xml_id"`
}

type EventTransitioned struct {
	EventID    string          `json:"event_id"`
	EmployerID string          `json:"employer_id"`
	Type       model.EventType `json:"event_type"`
	From       model.Status    `json:"from"`
	To         model.Status    `json:"to"`
	BatchID    string          `json:"batch_id,omitempty"`
	Receipt    string          `json:"receipt_number,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

type EventDeleted struct {
	EventID    string `json:"event_id"`
	EmployerID string `json:"employer_id"`
}

type BatchSubmitted struct {
	BatchID    string   `json:"batch_id"`
	Seq        int64    `json:"seq"`
	EmployerID string   `json:"employer_id"`
	EventIDs   []string `json:"event_ids"`
	Accepted   bool     `json:"accepted"`
	Receipt    string   `json:"receipt_number,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type CertificateChanged struct {
	CertificateID string `json:"certificate_id"`
	EmployerID    string `json:"employer_id"`
	Active        bool   `json:"active"`
}

type SyncJobFinished struct {
	Job *model.SyncJob `json:"job"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
