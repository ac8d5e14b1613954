// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Character name limits.
const (
	MinCharacterNameLength = 2
	MaxCharacterNameLength = 32
)

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// characterNameRegex matches names with only Unicode letters and single spaces between words.
var characterNameRegex = regexp.MustCompile(`^[\p{L}]+( [\p{L}]+)*$`)

// ValidateCharacterName checks that a character name is letters and single
// spaces only, without surrounding whitespace, within the length limits.
func ValidateCharacterName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "cannot be empty"}
	}
	if name != strings.TrimSpace(name) {
		return &ValidationError{Field: "name", Message: "cannot have leading or trailing spaces"}
	}
	n := utf8.RuneCountInString(name)
	if n < MinCharacterNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("must be at least %d characters", MinCharacterNameLength)}
	}
	if n > MaxCharacterNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", MaxCharacterNameLength)}
	}
	if !characterNameRegex.MatchString(name) {
		return &ValidationError{Field: "name", Message: "must contain letters and single spaces only"}
	}
	return nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
