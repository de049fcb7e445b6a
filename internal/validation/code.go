package validation

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MinCodeLength   = 8
	MaxCodeLength   = 64
	MaxUserIDLength = 255
)

// ValidateCode checks the length of a submitted code. Whether the code is
// actually valid is up to the auth code service.
func ValidateCode(code string) error {
	n := utf8.RuneCountInString(code)
	if n == 0 {
		return errors.New("code is required")
	}
	if n < MinCodeLength || n > MaxCodeLength {
		return fmt.Errorf("code must be between %d and %d characters", MinCodeLength, MaxCodeLength)
	}
	return nil
}

func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if len(userID) > MaxUserIDLength {
		return fmt.Errorf("user id is too long (max %d characters)", MaxUserIDLength)
	}
	return nil
}
