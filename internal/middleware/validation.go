package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates an outbound reply body.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 4096 {
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

// ValidatePaymentID validates a payment record ID.
func ValidatePaymentID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid payment ID format")
	}
	return nil
}

// ValidatePhone validates a phone number in international format without the
// plus sign, as WhatsApp delivers it.
func ValidatePhone(phone string) error {
	if len(phone) < 9 || len(phone) > 15 {
		return errors.New("invalid phone length")
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return errors.New("phone must contain only digits")
		}
	}
	return nil
}
