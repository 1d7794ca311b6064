package gateway

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/whisper/relay/internal/protocol"
)

const (
	MaxBodyBytes = 4096
	MaxBodyChars = 2000

	// MaxImageBytes bounds an inline image body. The rest of the frame
	// carries the envelope.
	MaxImageBytes = 768 << 10
)

// imageHeader matches the data URL prefix of an inline base64 image.
var imageHeader = regexp.MustCompile(`^data:image/[a-zA-Z0-9.+-]+;base64,`)

var (
	ErrEmptyBody    = errors.New("message is empty")
	ErrBodyTooLarge = errors.New("message is too long")
	ErrInvalidUTF8  = errors.New("message contains invalid UTF-8")
)

// IsImage reports whether body is an inline base64 image data URL. Anything
// else, including text that merely starts with "data:image/", is text.
func IsImage(body string) bool {
	loc := imageHeader.FindStringIndex(body)
	if loc == nil {
		return false
	}
	return isBase64(body[loc[1]:])
}

func isBase64(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}

// ValidateBody checks a send_message body before it reaches the engine.
// Text is bounded in bytes and characters, images only in bytes.
func ValidateBody(body string) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	if IsImage(body) {
		if len(body) > MaxImageBytes {
			return ErrBodyTooLarge
		}
		return nil
	}
	if len(body) > MaxBodyBytes || utf8.RuneCountInString(body) > MaxBodyChars {
		return ErrBodyTooLarge
	}
	if !utf8.ValidString(body) {
		return ErrInvalidUTF8
	}
	return nil
}

// bodyErrorCode maps a ValidateBody error to its wire code.
func bodyErrorCode(err error) string {
	if errors.Is(err, ErrBodyTooLarge) {
		return protocol.CodeTooLarge
	}
	return protocol.CodeBadMessage
}
