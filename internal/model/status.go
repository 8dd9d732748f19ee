package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an Event.
type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
)

// transitions is the complete forward edge set. Anything absent is illegal.
var transitions = map[Status][]Status{
	StatusPreparing:  {StatusSending},
	StatusSending:    {StatusSent, StatusError},
	StatusSent:       {StatusProcessing, StatusProcessed, StatusError},
	StatusProcessing: {StatusProcessed, StatusError},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPreparing, StatusSending, StatusSent, StatusProcessing, StatusProcessed, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusError
}

// Deletable reports whether an event in status s may be removed.
func (s Status) Deletable() bool {
	return s == StatusPreparing || s == StatusError
}

// Irreversible reports whether the government already holds (or may hold)
// the event, so the local record is part of the legal audit trail.
func (s Status) Irreversible() bool {
	return s == StatusSent || s == StatusProcessing || s == StatusProcessed
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// legacyStatuses maps the two historical status vocabularies onto the
// canonical one.
var legacyStatuses = map[string]Status{
	"preparando":  StatusPreparing,
	"pendente":    StatusPreparing,
	"enviando":    StatusSending,
	"enviado":     StatusSent,
	"aguardando":  StatusProcessing,
	"processando": StatusProcessing,
	"processado":  StatusProcessed,
	"erro":        StatusError,
	"rejeitado":   StatusError,
}

// ParseStatus accepts canonical names and legacy aliases.
func ParseStatus(s string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if st := Status(v); st.IsValid() {
		return st, nil
	}
	if st, ok := legacyStatuses[v]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}
