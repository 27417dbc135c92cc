package genealogy

import (
	"errors"
	"regexp"
	"strings"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================
// Every value that becomes part of a git invocation (author identity,
// commit messages) is validated against a strict allow-list before use.
// This is a security-critical contract: generated unit names and LLM
// diagnostics flow into commit messages, and none of them may smuggle
// options, newlines, or NUL bytes into the command line.

const (
	maxIdentityLen = 200
	maxMessageLen  = 500
)

var (
	// identityPattern covers names and email addresses.
	identityPattern = regexp.MustCompile(`^[a-zA-Z0-9@._\- ]+$`)
	// messagePattern additionally permits the punctuation commit subjects
	// use.
	messagePattern = regexp.MustCompile(`^[a-zA-Z0-9@._:/()\- ]+$`)
)

var (
	ErrEmptyValue       = errors.New("value must be non-empty")
	ErrTooLong          = errors.New("value exceeds maximum length")
	ErrOptionInjection  = errors.New("value cannot start with '-'")
	ErrControlCharacter = errors.New("value cannot contain newlines or NUL bytes")
	ErrDisallowedChars  = errors.New("value contains characters outside the allow-list")
)

func validateCommon(value string, maxLen int) error {
	if value == "" {
		return ErrEmptyValue
	}
	if len(value) > maxLen {
		return ErrTooLong
	}
	if strings.HasPrefix(value, "-") {
		return ErrOptionInjection
	}
	if strings.ContainsAny(value, "\n\r\x00") {
		return ErrControlCharacter
	}
	return nil
}

// ValidateIdentity checks an author name or email for use in git config.
func ValidateIdentity(value string) (string, error) {
	if err := validateCommon(value, maxIdentityLen); err != nil {
		return "", err
	}
	if !identityPattern.MatchString(value) {
		return "", ErrDisallowedChars
	}
	return value, nil
}

// ValidateMessage checks a commit message.
func ValidateMessage(value string) (string, error) {
	if err := validateCommon(value, maxMessageLen); err != nil {
		return "", err
	}
	if !messagePattern.MatchString(value) {
		return "", ErrDisallowedChars
	}
	return value, nil
}
