package idgen

import (
	"github.com/google/uuid"
)

// ID prefixes for different models
const (
	PrefixRun     = "run_"
	PrefixRequest = "req_"
)

// NewRun generates a sync pass ID with run_ prefix
func NewRun() string {
	return PrefixRun + uuid.New().String()
}

// NewRequest generates an HTTP request ID with req_ prefix
func NewRequest() string {
	return PrefixRequest + uuid.New().String()
}
