package storage

import "errors"

var (
	// ErrNotFound is returned when an update targets a row that does not exist
	ErrNotFound = errors.New("ledger row not found")
	// ErrMissingField is returned when an insert lacks a required field
	ErrMissingField = errors.New("missing required field")
	// ErrMissingRef is returned when an update names neither an id nor a tag
	ErrMissingRef = errors.New("update requires an id or tag")
	// ErrUnknownField is returned when a filter names a column that cannot be filtered on
	ErrUnknownField = errors.New("unknown filter field")
	// ErrOpenPositionExists is returned when a second open position is inserted for a contract
	ErrOpenPositionExists = errors.New("open position already exists for contract")
	// ErrInvalidTag is returned when the tag issuer produces a tag the broker would refuse
	ErrInvalidTag = errors.New("invalid correlation tag")
)
