package uuid

import "github.com/google/uuid"

// NewUUID returns a random v4 UUID string.
func NewUUID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
