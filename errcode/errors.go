package errcode

import (
	"errors"

	"github.com/google/uuid"
)

// CoreError is a failure carrying a wire code and the correlation id of the
// request it belongs to.
type CoreError struct {
	Code          Code
	CorrelationID string
	msg           string
	cause         error
}

// New returns a CoreError for c with the default-language template.
func New(c Code) *CoreError {
	return &CoreError{Code: c, msg: Message(c)}
}

// Wrap returns a CoreError for c that keeps cause reachable through errors.Unwrap.
func Wrap(c Code, cause error) *CoreError {
	e := New(c)
	e.cause = cause
	return e
}

// WithCorrelation sets the correlation id and returns e.
func (e *CoreError) WithCorrelation(id string) *CoreError {
	e.CorrelationID = id
	return e
}

func (e *CoreError) Error() string {
	return e.msg
}

func (e *CoreError) Unwrap() error {
	return e.cause
}

// Is matches another CoreError with the same code.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t.Code == e.Code
}

// Reconstruct rebuilds the client-side error for a wire code. Classified codes
// yield their template; every other value yields the unknown-error template
// suffixed with a tracking identifier.
func Reconstruct(code int, correlationID string) *CoreError {
	c := Code(code)
	if c.IsClassified() {
		return New(c).WithCorrelation(correlationID)
	}
	tracking := correlationID
	if tracking == "" {
		tracking = uuid.NewString()
	}
	return &CoreError{
		Code:          UnknownError,
		CorrelationID: correlationID,
		msg:           Message(UnknownError) + " | Tracking identifier: " + tracking,
	}
}

// CodeOf extracts the wire code of err. Anything that is not a classified
// CoreError collapses to UnknownError.
func CodeOf(err error) Code {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code.Normalize()
	}
	return UnknownError
}

// CodesOf extracts one code per failure. Aggregates contribute the codes of
// all their members.
func CodesOf(err error) []int {
	if err == nil {
		return nil
	}
	var agg *AggregateError
	if errors.As(err, &agg) && len(agg.Errors) > 0 {
		codes := make([]int, 0, len(agg.Errors))
		for _, e := range agg.Errors {
			codes = append(codes, int(e.Code.Normalize()))
		}
		return codes
	}
	return []int{int(CodeOf(err))}
}
