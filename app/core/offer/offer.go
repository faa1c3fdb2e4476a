package offer

import (
	"context"
	"fmt"
	"strings"
)

// SchoolTier and Level form the accepted slot vocabulary. Slot values arrive
// as free text from the model, so parsing is lenient about case and accepts
// both Polish and English spellings; anything else maps to the Unknown/None
// zero values.
type SchoolTier int

const (
	TierUnknown SchoolTier = iota
	TierPrimary
	TierSecondary
)

type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelExtended
)

// Slots are the extracted pricing inputs for one conversation. ClassLabel is
// the raw grade marker ("4", "maturalna", ...) and is only inspected for the
// terminal exam-year check.
type Slots struct {
	SchoolTier SchoolTier
	ClassLabel string
	Level      Level
}

// Rates is the hourly price table, in whole PLN.
type Rates struct {
	Primary           int
	SecondaryBasic    int
	SecondaryExtended int
	ExamYear          int
}

func ParseTier(raw string) SchoolTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "podstawowa", "podstawówka", "primary":
		return TierPrimary
	case "liceum", "technikum", "średnia", "secondary":
		return TierSecondary
	default:
		return TierUnknown
	}
}

func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "podstawa", "podstawowy", "basic":
		return LevelBasic
	case "rozszerzenie", "rozszerzony", "extended":
		return LevelExtended
	default:
		return LevelNone
	}
}

// examYear reports whether the grade marker names the terminal exam class of
// a secondary school.
func examYear(classLabel string) bool {
	label := strings.ToLower(strings.TrimSpace(classLabel))
	return label == "4" || label == "maturalna" || strings.Contains(label, "matur")
}

// ComputePrice maps slots to an hourly rate. Priority order: primary tier
// first, then the exam-year premium, then the level split. The second return
// is false when the school tier is outside the vocabulary.
func ComputePrice(slots Slots, rates Rates) (int, bool) {
	switch slots.SchoolTier {
	case TierPrimary:
		return rates.Primary, true
	case TierSecondary:
		if examYear(slots.ClassLabel) {
			return rates.ExamYear, true
		}
		if slots.Level == LevelExtended {
			return rates.SecondaryExtended, true
		}
		return rates.SecondaryBasic, true
	default:
		return 0, false
	}
}

// Extractor turns a transcript into slots. correction is empty on the first
// attempt; retries carry an instruction naming the accepted vocabulary.
type Extractor interface {
	ExtractSlots(ctx context.Context, transcript string, correction string) (Slots, error)
}

const correctionPrompt = "Poprzednia odpowiedź nie pasowała do słownika. " +
	"Dozwolone wartości: szkoła = podstawowa | liceum; poziom = podstawa | rozszerzenie. " +
	"Odpowiedz jeszcze raz, używając wyłącznie tych wartości."

const maxExtractAttempts = 3

// Quote runs the bounded correction loop: extract slots, price them, and on
// an out-of-vocabulary result re-ask with the corrective instruction. After
// maxExtractAttempts the ok result is false and the caller falls back to a
// graceful reply.
func Quote(ctx context.Context, extractor Extractor, transcript string, rates Rates) (int, bool, error) {
	correction := ""
	var lastErr error
	for attempt := 0; attempt < maxExtractAttempts; attempt++ {
		slots, err := extractor.ExtractSlots(ctx, transcript, correction)
		if err != nil {
			lastErr = err
			correction = correctionPrompt
			continue
		}
		if price, ok := ComputePrice(slots, rates); ok {
			return price, true, nil
		}
		correction = correctionPrompt
	}
	if lastErr != nil {
		return 0, false, fmt.Errorf("offer: slot extraction failed: %w", lastErr)
	}
	return 0, false, nil
}
