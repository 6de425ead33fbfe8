package results

import "errors"

var (
	// ErrNotFound is returned by stores when no document exists for the key.
	ErrNotFound = errors.New("result document not found")

	// ErrUnknownDocType is returned for document types the store does not know.
	ErrUnknownDocType = errors.New("unknown result document type")

	// ErrInvalidRevertParams is returned when a revert request does not name
	// exactly one snapshot selector.
	ErrInvalidRevertParams = errors.New("invalid revert parameters")

	// ErrNoSuchSnapshot is returned when no model snapshot matches a selector.
	ErrNoSuchSnapshot = errors.New("no such model snapshot")

	// ErrDescriptionAlreadyUsed is returned when another snapshot of the job
	// already carries the requested description.
	ErrDescriptionAlreadyUsed = errors.New("model snapshot description already used")
)
