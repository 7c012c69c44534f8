package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxContentLength  = 10000
	maxUserIDLength   = 128
	maxClientIDLength = 64
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateUserID validates a peer user ID.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > maxUserIDLength {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateClientID validates the optional client-generated message id.
func ValidateClientID(id string) error {
	if len(id) > maxClientIDLength {
		return errors.New("client ID exceeds maximum length")
	}
	return nil
}
