package identity

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ExtractChannelIdentity pulls a (channel_type, channel_value) pair out of
// tool-call arguments. Argument shapes are tried in a fixed priority:
//
//  1. contact_id            → ("contact_id", id)
//  2. channel + recipient   → (channel, recipient)
//  3. chat_id               → ("telegram", chat_id)
//  4. to                    → ("email", to)
//
// Blank or whitespace-only values are treated as absent and fall through to
// the next shape. Returns ok=false when no shape yields an identity.
func ExtractChannelIdentity(args map[string]any) (channelType, channelValue string, ok bool) {
	if id := argString(args, "contact_id"); id != "" {
		return "contact_id", id, true
	}
	if channel := argString(args, "channel"); channel != "" {
		if recipient := argString(args, "recipient"); recipient != "" {
			return channel, recipient, true
		}
	}
	if chatID := argString(args, "chat_id"); chatID != "" {
		return "telegram", chatID, true
	}
	if to := argString(args, "to"); to != "" {
		return "email", to, true
	}
	return "", "", false
}

// argString returns the trimmed string form of an argument, or "" when the
// argument is absent, blank, or not representable as a scalar address.
func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// Telegram chat ids arrive as JSON numbers.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// Resolver maps tool-call arguments to a directory contact.
type Resolver struct {
	dir    Directory
	logger *zap.Logger
}

// NewResolver creates a Resolver over the given directory.
func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// ResolveTargetContact returns the contact a call is targeting, or nil when
// the target is unresolvable. Directory errors degrade to nil: an inability
// to resolve identity must fail toward the require-approval branch, never
// toward an error surfaced to the caller.
func (r *Resolver) ResolveTargetContact(ctx context.Context, args map[string]any) *Contact {
	channelType, channelValue, ok := ExtractChannelIdentity(args)
	if !ok {
		return nil
	}

	var (
		contact *Contact
		err     error
	)
	if channelType == "contact_id" {
		contact, err = r.dir.LookupByID(ctx, channelValue)
	} else {
		contact, err = r.dir.LookupByChannel(ctx, channelType, channelValue)
	}
	if err != nil {
		r.logger.Warn("directory lookup failed, treating target as unresolvable",
			zap.String("channel_type", channelType),
			zap.Error(err),
		)
		return nil
	}
	return contact
}
