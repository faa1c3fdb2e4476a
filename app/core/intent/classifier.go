package intent

import (
	"context"
	"fmt"
	"time"

	"korkibot/app/pkg/logger"
)

// Completer is the model call the classifier rides on.
type Completer interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

const classifySystemPrompt = `Jesteś klasyfikatorem rozmów z potencjalnymi klientami korepetycji.
Oceń ostatnią wymianę i odpowiedz DOKŁADNIE jednym z tokenów:
EXPECTING_REPLY - klient powinien jeszcze odpisać (pytanie bez odpowiedzi, rozmowa w toku)
CONVERSATION_ENDED - rozmowa naturalnie zakończona, nie wypada się przypominać
FOLLOW_UP_LATER|<RFC3339> - klient prosił o kontakt w konkretnym momencie; podaj ten moment
Żadnego innego tekstu.`

// Classifier wraps the model behind the strict token contract. A failed or
// malformed call falls back to ExpectingReply: a generic reminder is safer
// than silently dropping the lead.
type Classifier struct {
	completer Completer
	horizon   time.Duration
	now       func() time.Time
}

func NewClassifier(completer Completer, horizon time.Duration) *Classifier {
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Classifier{completer: completer, horizon: horizon, now: time.Now}
}

// SetNow overrides the clock; tests only.
func (c *Classifier) SetNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Classify returns the normalized intent for the transcript plus the reply
// that was just sent. The result is always usable; errors never escape.
func (c *Classifier) Classify(ctx context.Context, transcript string, lastReply string) Result {
	user := fmt.Sprintf("Rozmowa:\n%s\n\nOstatnia odpowiedź asystenta:\n%s", transcript, lastReply)
	raw, err := c.completer.Complete(ctx, classifySystemPrompt, user)
	if err != nil {
		logger.Warn("classifier call failed, defaulting to expecting_reply: %v", err)
		return Result{Intent: ExpectingReply}
	}
	result, err := Parse(raw)
	if err != nil {
		logger.Warn("classifier returned unusable token %q: %v", raw, err)
		return Result{Intent: ExpectingReply}
	}
	normalized := result.Normalize(c.now(), c.horizon)
	if normalized.Intent != result.Intent {
		logger.Info("follow-up estimate %s outside horizon, downgraded to %s", result.EstimatedAt.Format(time.RFC3339), normalized.Intent)
	}
	return normalized
}
