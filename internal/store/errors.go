package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrQueueItemNotFound = errors.New("queue item not found")
)
