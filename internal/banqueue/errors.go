package banqueue

import "github.com/pkg/errors"

var (
	errQueueClosed        = errors.New("ban queue: shutting down")
	errUnknownIntegration = errors.New("ban queue: no worker registered for integration")
	errQueueFull          = errors.New("ban queue: integration queue is full")
)
