package ws

import "github.com/google/uuid"

// newConnID names one socket; a user reconnecting gets a fresh id.
func newConnID() string {
	return uuid.NewString()
}
