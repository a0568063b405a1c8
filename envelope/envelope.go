// Package envelope wraps every value pushed from a hub to its clients.
//
// A Result holds either a payload or a non-empty list of wire error codes,
// never both, plus the correlation id of the request that produced it.
// Reading the payload of a failed Result yields an *errcode.AggregateError.
package envelope

import (
	"encoding/json"

	"github.com/google/uuid"

	"hubstream/errcode"
	"hubstream/payload"
)

// Result is the envelope for a value of type T.
type Result[T any] struct {
	result        T
	errorCodes    []int
	correlationID string
}

// Success wraps v.
func Success[T any](v T) *Result[T] {
	return &Result[T]{result: v}
}

// Failure builds a failed result. An empty code list is recorded as a
// single UnknownError.
func Failure[T any](codes []int, correlationID string) *Result[T] {
	if len(codes) == 0 {
		codes = []int{int(errcode.UnknownError)}
	}
	cp := make([]int, len(codes))
	copy(cp, codes)
	return &Result[T]{errorCodes: cp, correlationID: correlationID}
}

// FromError builds a failed result from err, classifying it into wire
// codes. An empty correlationID is replaced with a fresh one.
func FromError[T any](err error, correlationID string) *Result[T] {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Failure[T](errcode.CodesOf(err), correlationID)
}

// WithCorrelation sets the correlation id and returns r.
func (r *Result[T]) WithCorrelation(id string) *Result[T] {
	r.correlationID = id
	return r
}

// Get returns the payload, or the aggregate of the reconstructed errors
// when the result failed.
func (r *Result[T]) Get() (T, error) {
	if r.Failed() {
		var zero T
		return zero, errcode.NewAggregate(r.errorCodes, r.correlationID)
	}
	return r.result, nil
}

// Failed reports whether the result carries error codes.
func (r *Result[T]) Failed() bool {
	return len(r.errorCodes) > 0
}

// ShouldSerialize reports whether the payload field belongs on the wire.
func (r *Result[T]) ShouldSerialize() bool {
	return !r.Failed()
}

func (r *Result[T]) ErrorCodes() []int {
	cp := make([]int, len(r.errorCodes))
	copy(cp, r.errorCodes)
	return cp
}

func (r *Result[T]) CorrelationID() string {
	return r.correlationID
}

type wireResult struct {
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorCodes       []int           `json:"errorCodes,omitempty"`
	CorrelationToken string          `json:"correlationToken,omitempty"`
}

func (r *Result[T]) MarshalJSON() ([]byte, error) {
	w := wireResult{ErrorCodes: r.errorCodes, CorrelationToken: r.correlationID}
	if r.ShouldSerialize() {
		raw, err := encodeValue(r.result)
		if err != nil {
			return nil, err
		}
		w.Result = raw
	}
	return json.Marshal(w)
}

func (r *Result[T]) UnmarshalJSON(data []byte) error {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var zero T
	r.result = zero
	r.errorCodes = w.ErrorCodes
	r.correlationID = w.CorrelationToken
	if r.Failed() || len(w.Result) == 0 {
		return nil
	}
	v, err := payload.DecodeAs[T](payload.Default, w.Result)
	if err != nil {
		return err
	}
	r.result = v
	return nil
}

func encodeValue(v any) ([]byte, error) {
	if p, ok := v.(payload.Payload); ok {
		return payload.Encode(p)
	}
	return json.Marshal(v)
}
