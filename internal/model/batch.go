package model

import "time"

// MaxBatchEvents is the eSocial limit of events per submission.
const MaxBatchEvents = 50

// Batch is one unit of submission to the remote service. Seq is assigned
// monotonically by the store for audit ordering.
type Batch struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	EmployerID    string     `json:"employer_id"`
	CertificateID string     `json:"certificate_id"`
	Group         int        `json:"group"`
	EventIDs      []string   `json:"event_ids"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ReceiptNumber string     `json:"receipt_number,omitempty"`
	ResponseCode  string     `json:"response_code,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Submitted reports whether a submission response has been recorded.
func (b *Batch) Submitted() bool {
	return b.SubmittedAt != nil
}
