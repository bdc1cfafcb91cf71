package dynamo

import "errors"

var (
	// ErrMissingTable is returned when the provider config has no table name.
	ErrMissingTable = errors.New("arbor: dynamo provider requires a table name")

	// ErrMissingIndex is returned when the provider config has no parent index.
	ErrMissingIndex = errors.New("arbor: dynamo provider requires a parent index")

	// ErrMissingParentRef is returned when an expanded item carries no entity reference.
	ErrMissingParentRef = errors.New("arbor: parent item has no entity reference")
)
