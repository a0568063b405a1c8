package errcode

import "strings"

// AggregateHeader opens the message of every AggregateError.
const AggregateHeader = "One or more errors occurred while processing the request."

// AggregateError groups the errors reconstructed from a failed result.
type AggregateError struct {
	CorrelationID string
	Errors        []*CoreError
}

// NewAggregate reconstructs one CoreError per code.
func NewAggregate(codes []int, correlationID string) *AggregateError {
	agg := &AggregateError{CorrelationID: correlationID}
	for _, code := range codes {
		agg.Errors = append(agg.Errors, Reconstruct(code, correlationID))
	}
	return agg
}

func (e *AggregateError) Error() string {
	var sb strings.Builder
	sb.WriteString(AggregateHeader)
	for _, inner := range e.Errors {
		sb.WriteString("\n- ")
		sb.WriteString(inner.Error())
	}
	return sb.String()
}

func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, inner := range e.Errors {
		errs[i] = inner
	}
	return errs
}

// Codes returns the wire codes of the members, in order.
func (e *AggregateError) Codes() []Code {
	codes := make([]Code, len(e.Errors))
	for i, inner := range e.Errors {
		codes[i] = inner.Code
	}
	return codes
}
