package intent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrMalformed = errors.New("intent: malformed classifier response")

type Intent int

const (
	ExpectingReply Intent = iota
	ConversationEnded
	FollowUpLater
)

func (i Intent) String() string {
	switch i {
	case ExpectingReply:
		return "expecting_reply"
	case ConversationEnded:
		return "conversation_ended"
	case FollowUpLater:
		return "follow_up_later"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

// Result is one classification of a conversational turn. EstimatedAt is only
// meaningful for FollowUpLater.
type Result struct {
	Intent      Intent
	EstimatedAt time.Time
}

const (
	tokenExpectingReply    = "EXPECTING_REPLY"
	tokenConversationEnded = "CONVERSATION_ENDED"
	tokenFollowUpLater     = "FOLLOW_UP_LATER"
)

// Parse validates the strict classifier wire format: a single bare token, or
// FOLLOW_UP_LATER|<RFC3339 instant>. Anything else is ErrMalformed; callers
// map that to the safe default rather than trusting a loose match.
func Parse(raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	parts := strings.Split(text, "|")

	switch parts[0] {
	case tokenExpectingReply:
		if len(parts) != 1 {
			return Result{}, fmt.Errorf("%w: unexpected payload in %q", ErrMalformed, text)
		}
		return Result{Intent: ExpectingReply}, nil
	case tokenConversationEnded:
		if len(parts) != 1 {
			return Result{}, fmt.Errorf("%w: unexpected payload in %q", ErrMalformed, text)
		}
		return Result{Intent: ConversationEnded}, nil
	case tokenFollowUpLater:
		if len(parts) != 2 {
			return Result{}, fmt.Errorf("%w: FOLLOW_UP_LATER requires exactly one instant, got %q", ErrMalformed, text)
		}
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[1]))
		if err != nil {
			return Result{}, fmt.Errorf("%w: bad instant %q: %v", ErrMalformed, parts[1], err)
		}
		return Result{Intent: FollowUpLater, EstimatedAt: at}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown token %q", ErrMalformed, text)
	}
}

// Normalize applies the untrusted-estimate rules: a follow-up instant that is
// not strictly in the future, or further out than the horizon, downgrades the
// classification to ConversationEnded so no nonsensical task gets scheduled.
func (r Result) Normalize(now time.Time, horizon time.Duration) Result {
	if r.Intent != FollowUpLater {
		return r
	}
	if !r.EstimatedAt.After(now) || r.EstimatedAt.Sub(now) > horizon {
		return Result{Intent: ConversationEnded}
	}
	return r
}
