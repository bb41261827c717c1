package types

import (
	"errors"
	"strings"
)

// Error taxonomy shared by the pipeline and the event handlers
var (
	ErrUnauthorized = errors.New("sender identity does not match connection identity")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrInternal     = errors.New("internal error")
)

// Validation rule messages
const (
	RuleSenderRequired     = "senderId is required"
	RuleSenderFormat       = "senderId has an invalid format"
	RuleContentRequired    = "content is required"
	RuleContentTooLong     = "content exceeds maximum length"
	RuleMessageTypeInvalid = "messageType is not supported"
	RuleTargetRequired     = "either receiverId or groupId is required"
	RuleTargetExclusive    = "receiverId and groupId are mutually exclusive"
	RuleReceiverFormat     = "receiverId has an invalid format"
	RuleGroupFormat        = "groupId has an invalid format"
	RuleGroupRequired      = "groupId is required"
	RuleExpiryInvalid      = "expiresAt is not a valid timestamp"
	RuleExpiryPast         = "expiresAt must be in the future"
	RuleExpiryTooFar       = "expiresAt exceeds the maximum expiry horizon"
	RuleRoomRequired       = "roomId is required"
	RuleRoomFormat         = "roomId has an invalid format"
	RuleMessageIDRequired  = "messageId is required"
)

// ValidationError lists every rule a payload violated
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// Has reports whether the given rule was violated
func (e *ValidationError) Has(rule string) bool {
	for _, v := range e.Violations {
		if v == rule {
			return true
		}
	}
	return false
}

// violations accumulates rule failures; nil error when empty
type violations []string

func (v *violations) add(rule string) {
	*v = append(*v, rule)
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Violations: v}
}
