// Package errcode defines the error taxonomy shared by the hub client and server.
//
// A failure travels across the wire as a bare integer code. Codes in [1, 999]
// are classified: each one names a business failure with its own message
// template. Zero and anything outside that range are unknown, and the
// receiving side only learns that "something went wrong" plus a tracking id.
package errcode

import "strconv"

// Code is a wire-level error code.
type Code int

const (
	UnknownError                      Code = 0
	UpdateAfterDeleteConcurrencyError Code = 1
	CreateExistingEntityError         Code = 2
	InvalidConditionError             Code = 3
	CreateEntityNotAllowedError       Code = 4
	FilterNotUsingValidMeasurement    Code = 5
	UniqueValueConstraintError        Code = 6
	NotValidDomainEntityType          Code = 7
	ForeignKeyConstraintError         Code = 8
	UnauthorizedAction                Code = 9
	UnauthorizedFilterOrSort          Code = 10
	PartialCreate                     Code = 11
	PartialUpdate                     Code = 12
	PartialDelete                     Code = 13
)

const (
	minClassified = 1
	maxClassified = 999
)

var codeNames = map[Code]string{
	UnknownError:                      "UnknownError",
	UpdateAfterDeleteConcurrencyError: "UpdateAfterDeleteConcurrencyError",
	CreateExistingEntityError:         "CreateExistingEntityError",
	InvalidConditionError:             "InvalidConditionError",
	CreateEntityNotAllowedError:       "CreateEntityNotAllowedError",
	FilterNotUsingValidMeasurement:    "FilterNotUsingValidMeasurement",
	UniqueValueConstraintError:        "UniqueValueConstraintError",
	NotValidDomainEntityType:          "NotValidDomainEntityType",
	ForeignKeyConstraintError:         "ForeignKeyConstraintError",
	UnauthorizedAction:                "UnauthorizedAction",
	UnauthorizedFilterOrSort:          "UnauthorizedFilterOrSort",
	PartialCreate:                     "PartialCreate",
	PartialUpdate:                     "PartialUpdate",
	PartialDelete:                     "PartialDelete",
}

// IsClassified reports whether c lies in the classified range [1, 999].
func (c Code) IsClassified() bool {
	return c >= minClassified && c <= maxClassified
}

// Normalize folds every unclassified value onto UnknownError.
func (c Code) Normalize() Code {
	if !c.IsClassified() {
		return UnknownError
	}
	return c
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}
