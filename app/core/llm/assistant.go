package llm

import (
	"context"
	"fmt"
	"strings"

	"korkibot/app/core/offer"
)

// OfferMarker is the token the responder emits in place of a concrete quote;
// the pipeline substitutes the computed price.
const OfferMarker = "<OFERTA>"

const replySystemPrompt = `Jesteś asystentem szkoły korepetycji. Odpowiadasz krótko, uprzejmie i po polsku
na wiadomości potencjalnych klientów na Messengerze.
Gdy klient pyta o cenę, NIE podawaj żadnej kwoty - wstaw w odpowiedzi dokładnie token <OFERTA>,
a system uzupełni go wyliczoną stawką.
Nie obiecuj terminów zajęć, dopytuj o szkołę, klasę i poziom, jeśli ich brakuje.`

// Responder produces the outbound reply text for one aggregated turn.
type Responder struct {
	client *Client
}

func NewResponder(client *Client) *Responder {
	return &Responder{client: client}
}

func (r *Responder) Reply(ctx context.Context, transcript string) (string, error) {
	return r.client.Complete(ctx, replySystemPrompt, transcript)
}

const extractSystemPrompt = `Wyciągnij z rozmowy dane do wyceny korepetycji.
Odpowiedz DOKŁADNIE jedną linią w formacie:
<szkoła>|<klasa>|<poziom>
gdzie szkoła = podstawowa | liceum, klasa = numer klasy lub "maturalna",
poziom = podstawa | rozszerzenie | brak. Żadnego innego tekstu.`

// SlotExtractor implements offer.Extractor over the shared model client.
type SlotExtractor struct {
	client *Client
}

func NewSlotExtractor(client *Client) *SlotExtractor {
	return &SlotExtractor{client: client}
}

func (e *SlotExtractor) ExtractSlots(ctx context.Context, transcript string, correction string) (offer.Slots, error) {
	user := transcript
	if correction != "" {
		user = transcript + "\n\n" + correction
	}
	raw, err := e.client.Complete(ctx, extractSystemPrompt, user)
	if err != nil {
		return offer.Slots{}, err
	}
	parts := strings.Split(strings.TrimSpace(raw), "|")
	if len(parts) != 3 {
		return offer.Slots{}, fmt.Errorf("llm: unexpected slot line %q", raw)
	}
	return offer.Slots{
		SchoolTier: offer.ParseTier(parts[0]),
		ClassLabel: strings.TrimSpace(parts[1]),
		Level:      offer.ParseLevel(parts[2]),
	}, nil
}
