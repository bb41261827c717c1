package types

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Regex compiled once at package initialization
var keyRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

const maxKeyLength = 128

// MessageLimits bounds message payloads
type MessageLimits struct {
	MaxContentLength int           // in runes
	MaxExpiryHorizon time.Duration // how far ahead expiresAt may be
}

// IsValidIdentity checks identity format: 1-128 characters from a restricted alphabet
func IsValidIdentity(id string) bool {
	return isValidKey(id)
}

// IsValidChannelKey checks a room or group id
func IsValidChannelKey(key string) bool {
	return isValidKey(key)
}

func isValidKey(key string) bool {
	if len(key) < 1 || len(key) > maxKeyLength {
		return false
	}
	return keyRegex.MatchString(key)
}

// IsValidMessageType checks the message type against the enumerated set
func IsValidMessageType(messageType string) bool {
	switch messageType {
	case MessageTypeText,
		MessageTypeImage,
		MessageTypeVideo,
		MessageTypeAudio,
		MessageTypeFile,
		MessageTypeLocation,
		MessageTypeSystem:
		return true
	default:
		return false
	}
}

// ParseExpiry accepts RFC 3339 timestamps or epoch milliseconds
func ParseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

// ValidateSend checks a send payload and returns the parsed expiry, if any.
// Every violated rule is reported, not only the first.
func ValidateSend(p SendMessagePayload, now time.Time, limits MessageLimits) (*time.Time, error) {
	var v violations

	if p.SenderID == "" {
		v.add(RuleSenderRequired)
	} else if !IsValidIdentity(p.SenderID) {
		v.add(RuleSenderFormat)
	}

	if strings.TrimSpace(p.Content) == "" {
		v.add(RuleContentRequired)
	} else if limits.MaxContentLength > 0 && utf8.RuneCountInString(p.Content) > limits.MaxContentLength {
		v.add(RuleContentTooLong)
	}

	if !IsValidMessageType(p.MessageType) {
		v.add(RuleMessageTypeInvalid)
	}

	switch {
	case p.ReceiverID == "" && p.GroupID == "":
		v.add(RuleTargetRequired)
	case p.ReceiverID != "" && p.GroupID != "":
		v.add(RuleTargetExclusive)
	case p.ReceiverID != "" && !IsValidIdentity(p.ReceiverID):
		v.add(RuleReceiverFormat)
	case p.GroupID != "" && !IsValidChannelKey(p.GroupID):
		v.add(RuleGroupFormat)
	}

	var expiresAt *time.Time
	if p.ExpiresAt != "" {
		t, ok := ParseExpiry(p.ExpiresAt)
		switch {
		case !ok:
			v.add(RuleExpiryInvalid)
		case !t.After(now):
			v.add(RuleExpiryPast)
		case limits.MaxExpiryHorizon > 0 && t.Sub(now) > limits.MaxExpiryHorizon:
			v.add(RuleExpiryTooFar)
		default:
			expiresAt = &t
		}
	}

	if err := v.err(); err != nil {
		return nil, err
	}
	return expiresAt, nil
}

// ValidateGroupSend is ValidateSend for send_group_message: a missing groupId
// is reported as such rather than as a missing target
func ValidateGroupSend(p SendMessagePayload, now time.Time, limits MessageLimits) (*time.Time, error) {
	expiresAt, err := ValidateSend(p, now, limits)
	if p.GroupID != "" {
		return expiresAt, err
	}

	var v violations
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		for _, rule := range vErr.Violations {
			if rule != RuleTargetRequired {
				v.add(rule)
			}
		}
	}
	v.add(RuleGroupRequired)
	return nil, v.err()
}

// ValidateRoom checks a join_room/leave_room payload
func ValidateRoom(p RoomPayload) error {
	var v violations
	if p.RoomID == "" {
		v.add(RuleRoomRequired)
	} else if !IsValidChannelKey(p.RoomID) {
		v.add(RuleRoomFormat)
	}
	return v.err()
}

// ValidateGroup checks a join_group/leave_group payload
func ValidateGroup(p GroupPayload) error {
	var v violations
	if p.GroupID == "" {
		v.add(RuleGroupRequired)
	} else if !IsValidChannelKey(p.GroupID) {
		v.add(RuleGroupFormat)
	}
	return v.err()
}

// ValidateTyping checks a typing/stop_typing payload
func ValidateTyping(p TypingPayload) error {
	var v violations
	switch {
	case p.ReceiverID == "" && p.GroupID == "":
		v.add(RuleTargetRequired)
	case p.ReceiverID != "" && p.GroupID != "":
		v.add(RuleTargetExclusive)
	case p.ReceiverID != "" && !IsValidIdentity(p.ReceiverID):
		v.add(RuleReceiverFormat)
	case p.GroupID != "" && !IsValidChannelKey(p.GroupID):
		v.add(RuleGroupFormat)
	}
	return v.err()
}

// ValidateReceipt checks delivery/read receipt payloads
func ValidateReceipt(p ReceiptPayload) error {
	var v violations
	if p.MessageID == "" {
		v.add(RuleMessageIDRequired)
	}
	if p.SenderID == "" {
		v.add(RuleSenderRequired)
	} else if !IsValidIdentity(p.SenderID) {
		v.add(RuleSenderFormat)
	}
	return v.err()
}

// ValidateDelete checks a delete_message payload
func ValidateDelete(p DeletePayload) error {
	var v violations
	if p.MessageID == "" {
		v.add(RuleMessageIDRequired)
	}
	switch {
	case p.ReceiverID == "" && p.GroupID == "":
		v.add(RuleTargetRequired)
	case p.ReceiverID != "" && p.GroupID != "":
		v.add(RuleTargetExclusive)
	case p.ReceiverID != "" && !IsValidIdentity(p.ReceiverID):
		v.add(RuleReceiverFormat)
	case p.GroupID != "" && !IsValidChannelKey(p.GroupID):
		v.add(RuleGroupFormat)
	}
	return v.err()
}
