package chats

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for system messages, correction bundles and locally
// originated membership messages.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewMessageID issues a Message-ID (without angle brackets) in the sender's domain, so
// locally recorded changes sort and deduplicate like received ones.
func NewMessageID(provider IDProvider, domain string) (string, error) {
	id, err := provider.NewID()
	if err != nil {
		return "", err
	}
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("%s@%s", id, domain), nil
}
