// Package errs defines the tagged error taxonomy shared by every engine
// component. Callers branch on Kind and Code instead of matching messages.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sstlabs/esocial-engine/internal/model"
)

// Kind is the coarse failure class. It decides retry policy and the HTTP
// status a failure maps to.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindCertificate   Kind = "certificate"
	KindStateConflict Kind = "state_conflict"
	KindRemote        Kind = "remote_service"
	KindStorage       Kind = "storage"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// Code identifies a concrete failure. Codes are stable and part of the API.
type Code string

const (
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"

	// State machine.
	CodeInvalidState      Code = "INVALID_STATE"
	CodeIrreversibleState Code = "IRREVERSIBLE_STATE"
	CodeConcurrentUpdate  Code = "CONCURRENT_UPDATE"
	CodeDuplicateEvent    Code = "DUPLICATE_EVENT"
	CodeBatchInFlight     Code = "BATCH_IN_FLIGHT"

	// Batch formation.
	CodeEmptyBatch          Code = "EMPTY_BATCH"
	CodeBatchTooLarge       Code = "BATCH_TOO_LARGE"
	CodeNotEligible         Code = "NOT_ELIGIBLE"
	CodeMixedEmployer       Code = "MIXED_EMPLOYER"
	CodeMixedGroup          Code = "MIXED_GROUP"
	CodeNoActiveCertificate Code = "NO_ACTIVE_CERTIFICATE"

	// Certificates.
	CodeInvalidContainer      Code = "INVALID_CONTAINER"
	CodeIncompleteCertificate Code = "INCOMPLETE_CERTIFICATE"
	CodeInvalidCertificate    Code = "INVALID_CERTIFICATE"

	// XML.
	CodeBuildFailed   Code = "BUILD_FAILED"
	CodeSigningFailed Code = "SIGNING_FAILED"

	// Remote webservice.
	CodeRemoteTimeout   Code = "REMOTE_TIMEOUT"
	CodeRemoteNetwork   Code = "REMOTE_NETWORK"
	CodeRemoteRejected  Code = "REMOTE_REJECTED"
	CodeRemoteMalformed Code = "REMOTE_MALFORMED"

	// Sync jobs.
	CodeDuplicateJob Code = "DUPLICATE_JOB"
	CodeJobFinished  Code = "JOB_FINISHED"

	CodeStorageFailed Code = "STORAGE_FAILED"
	CodeInternal      Code = "INTERNAL"
)

// Detail is one per-item outcome attached to a failure, e.g. the result
// of a single event inside a rejected batch.
type Detail struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error is the tagged failure value.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	Retryable bool
	Details   []Detail
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Code, so the package-level sentinels below
// work with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails appends per-item details and returns e.
func (e *Error) WithDetails(d ...Detail) *Error {
	e.Details = append(e.Details, d...)
	return e
}

// Sentinels usable as errors.Is targets.
var (
	ErrNotFound            = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrInvalidState        = &Error{Kind: KindStateConflict, Code: CodeInvalidState}
	ErrIrreversibleState   = &Error{Kind: KindStateConflict, Code: CodeIrreversibleState}
	ErrConcurrentUpdate    = &Error{Kind: KindStateConflict, Code: CodeConcurrentUpdate}
	ErrDuplicateEvent      = &Error{Kind: KindStateConflict, Code: CodeDuplicateEvent}
	ErrBatchInFlight       = &Error{Kind: KindStateConflict, Code: CodeBatchInFlight}
	ErrNotEligible         = &Error{Kind: KindStateConflict, Code: CodeNotEligible}
	ErrMixedEmployer       = &Error{Kind: KindValidation, Code: CodeMixedEmployer}
	ErrMixedGroup          = &Error{Kind: KindValidation, Code: CodeMixedGroup}
	ErrNoActiveCertificate = &Error{Kind: KindCertificate, Code: CodeNoActiveCertificate}
	ErrInvalidCertificate  = &Error{Kind: KindCertificate, Code: CodeInvalidCertificate}
	ErrInvalidContainer    = &Error{Kind: KindCertificate, Code: CodeInvalidContainer}
	ErrIncompleteCert      = &Error{Kind: KindCertificate, Code: CodeIncompleteCertificate}
	ErrDuplicateJob        = &Error{Kind: KindStateConflict, Code: CodeDuplicateJob}
	ErrJobFinished         = &Error{Kind: KindStateConflict, Code: CodeJobFinished}
	ErrRemoteTimeout       = &Error{Kind: KindRemote, Code: CodeRemoteTimeout}
	ErrRemoteRejected      = &Error{Kind: KindRemote, Code: CodeRemoteRejected}
	ErrRemoteMalformed     = &Error{Kind: KindRemote, Code: CodeRemoteMalformed}
)

// New builds an Error.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around cause.
func Wrap(kind Kind, code Code, cause error, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// Validation reports bad input.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, CodeInvalidInput, format, args...)
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return Newf(KindNotFound, CodeNotFound, "%s %s not found", entity, id)
}

// StateConflict reports an illegal or raced transition.
func StateConflict(code Code, format string, args ...any) *Error {
	return Newf(KindStateConflict, code, format, args...)
}

// Certificate reports a certificate that may not be used.
func Certificate(code Code, format string, args ...any) *Error {
	return Newf(KindCertificate, code, format, args...)
}

// Remote reports a webservice failure. Timeouts and transport errors are
// retryable; rejections and malformed responses are not.
func Remote(code Code, cause error, msg string) *Error {
	e := Wrap(KindRemote, code, cause, msg)
	e.Retryable = code == CodeRemoteTimeout || code == CodeRemoteNetwork
	return e
}

// Storage reports a persistence or blob failure.
func Storage(cause error, msg string) *Error {
	return Wrap(KindStorage, CodeStorageFailed, cause, msg)
}

// KindOf returns the Kind of err. Model validation errors are classified
// as validation; anything untagged is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	return KindInternal
}

// CodeOf returns the Code of err, or CodeInternal for untagged errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return CodeInvalidInput
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// DetailsOf returns per-item details carried by err. Field errors of a
// model.ValidationError are converted.
func DetailsOf(err error) []Detail {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		out := make([]Detail, len(ve.Errors))
		for i, fe := range ve.Errors {
			out[i] = Detail{ID: fe.Field, Message: fe.Message}
		}
		return out
	}
	return nil
}

// HTTPStatus maps a Kind to the status code the API answers with.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindCertificate:
		return http.StatusUnprocessableEntity
	case KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
