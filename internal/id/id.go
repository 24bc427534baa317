package id

import "github.com/google/uuid"

// New returns a fresh job identifier. Job ids double as queue task ids, so
// they must be globally unique across API instances.
func New() string {
	return uuid.NewString()
}
