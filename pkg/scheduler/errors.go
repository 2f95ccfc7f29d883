package scheduler

import "errors"

var (
	// ErrInvalidInput is returned when a chunk or sink is missing
	ErrInvalidInput = errors.New("invalid input: chunk and sink are required")
	// ErrSendFailed is returned when a submission could not be handed to the transport
	ErrSendFailed = errors.New("failed to send chunk")
)
