package db

import "errors"

// Sentinel errors for database operations. Handlers map these to HTTP
// status codes; everything else surfaces as a 500.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrDuplicateClient = errors.New("client name already exists")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrDuplicateTag    = errors.New("tag already exists for client")
	ErrTagNotFound     = errors.New("tag not found")
)
