// Package pipeline runs one aggregated conversation turn end to end:
// generate the reply, fill in a price quote when asked, deliver, classify
// the intent, and book the right follow-up reminder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"korkibot/app/core/intent"
	"korkibot/app/core/llm"
	"korkibot/app/core/nudge"
	"korkibot/app/core/offer"
	"korkibot/app/pkg/logger"
	"korkibot/app/pkg/types"
)

// Classifier decides what the conversation needs next. It never fails; the
// implementation maps its own errors to the safe default.
type Classifier interface {
	Classify(ctx context.Context, transcript string, lastReply string) intent.Result
}

// Responder produces the outbound reply text, possibly containing the offer
// marker.
type Responder interface {
	Reply(ctx context.Context, transcript string) (string, error)
}

// Scheduler is the slice of the nudge service the pipeline drives.
type Scheduler interface {
	ScheduleInitial(ctx context.Context, userID string, channelID string, payload string) (nudge.Task, error)
	ScheduleFollowUp(ctx context.Context, userID string, channelID string, payload string, at time.Time) (nudge.Task, error)
}

const fallbackReply = "Przepraszamy, mamy chwilowy problem techniczny. Wrócimy do Państwa jak najszybciej!"

const offerFallback = "dokładną stawkę potwierdzimy w kolejnej wiadomości"

type Pipeline struct {
	classifier Classifier
	responder  Responder
	extractor  offer.Extractor
	scheduler  Scheduler
	sender     types.Sender
	routes     nudge.RouteFunc
	rates      offer.Rates
	history    *transcriptLog
}

func New(classifier Classifier, responder Responder, extractor offer.Extractor, scheduler Scheduler, sender types.Sender, routes nudge.RouteFunc, rates offer.Rates) (*Pipeline, error) {
	if classifier == nil || responder == nil || extractor == nil {
		return nil, errors.New("pipeline: model collaborators are required")
	}
	if scheduler == nil {
		return nil, errors.New("pipeline: scheduler is required")
	}
	if sender == nil || routes == nil {
		return nil, errors.New("pipeline: delivery is required")
	}
	return &Pipeline{
		classifier: classifier,
		responder:  responder,
		extractor:  extractor,
		scheduler:  scheduler,
		sender:     sender,
		routes:     routes,
		rates:      rates,
		history:    newTranscriptLog(),
	}, nil
}

// HandleTurn processes one aggregated burst. The lead always gets some
// reply, even when the model collaborators fail.
func (p *Pipeline) HandleTurn(ctx context.Context, turn types.Turn) error {
	p.history.append(turn.UserID, "Klient", turn.Text)
	transcript := p.history.render(turn.UserID)

	reply, err := p.responder.Reply(ctx, transcript)
	if err != nil {
		logger.Error("responder failed for %s: %v", turn.UserID, err)
		reply = fallbackReply
	}
	reply = p.resolveOffer(ctx, transcript, reply)

	token, ok := p.routes(turn.ChannelID)
	if !ok {
		return fmt.Errorf("pipeline: no delivery route for channel %s", turn.ChannelID)
	}
	if err := p.sender.Send(ctx, turn.UserID, reply, token); err != nil {
		return fmt.Errorf("pipeline: send reply to %s: %w", turn.UserID, err)
	}
	p.history.append(turn.UserID, "Asystent", reply)

	result := p.classifier.Classify(ctx, transcript, reply)
	switch result.Intent {
	case intent.ExpectingReply:
		if _, err := p.scheduler.ScheduleInitial(ctx, turn.UserID, turn.ChannelID, ""); err != nil {
			return fmt.Errorf("pipeline: schedule reminder for %s: %w", turn.UserID, err)
		}
	case intent.FollowUpLater:
		if _, err := p.scheduler.ScheduleFollowUp(ctx, turn.UserID, turn.ChannelID, "", result.EstimatedAt); err != nil {
			return fmt.Errorf("pipeline: schedule follow-up for %s: %w", turn.UserID, err)
		}
	case intent.ConversationEnded:
		// Nothing to book; the lead closed the loop.
	}
	return nil
}

// resolveOffer replaces the offer marker with a computed quote, running the
// bounded slot-correction loop. An exhausted loop degrades to a soft promise
// instead of an error.
func (p *Pipeline) resolveOffer(ctx context.Context, transcript string, reply string) string {
	if !strings.Contains(reply, llm.OfferMarker) {
		return reply
	}
	price, ok, err := offer.Quote(ctx, p.extractor, transcript, p.rates)
	if err != nil {
		logger.Error("offer quote failed: %v", err)
	}
	if !ok {
		return strings.ReplaceAll(reply, llm.OfferMarker, offerFallback)
	}
	return strings.ReplaceAll(reply, llm.OfferMarker, fmt.Sprintf("%d zł za godzinę", price))
}
