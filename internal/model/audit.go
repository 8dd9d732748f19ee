package model

import (
	"encoding/json"
	"time"
)

// AuditRecord is an append-only entry describing who changed what.
// Before and After hold JSON snapshots of the entity when available.
type AuditRecord struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Audit actions.
const (
	ActionCreateEvent         = "create_event"
	ActionSubmitBatch         = "submit_batch"
	ActionRetryBatch          = "retry_batch"
	ActionPollStatus          = "poll_status"
	ActionDeleteEvent         = "delete_event"
	ActionDuplicateEvent      = "duplicate_event"
	ActionDownloadEvent       = "download_event"
	ActionUploadCertificate   = "upload_certificate"
	ActionActivateCertificate = "activate_certificate"
	ActionDeactivateCert      = "deactivate_certificate"
)

// Audit entity names.
const (
	EntityEvent       = "esocial_event"
	EntityBatch       = "esocial_batch"
	EntityCertificate = "certificate"
)
