// Package tokens approximates token counts for budget checks.
//
// Counts are character-ratio estimates, not tokenizer output. They are only
// good enough to reject requests that obviously overflow a context window.
package tokens

import (
	"unicode/utf8"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

const (
	charsPerToken = 4

	// ImageSurcharge is charged per image part regardless of resolution.
	ImageSurcharge = 765
)

// Estimate returns ceil(runes/4) for text.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateMessage sums text parts and adds ImageSurcharge for each image part.
func EstimateMessage(m domain.ChatMessage) int {
	if len(m.Parts) == 0 {
		return Estimate(m.Content)
	}

	total := 0
	for _, p := range m.Parts {
		switch {
		case p.Type == domain.PartText:
			total += Estimate(p.Text)
		case p.IsImage():
			total += ImageSurcharge
		}
	}
	return total
}

func EstimateMessages(messages []domain.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

// Reserved is the output budget held back from the context window.
func Reserved(opts domain.StreamOptions, model domain.ModelDescriptor) int {
	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		return *opts.MaxTokens
	}
	return model.MaxOutputTokens
}

// CheckBudget returns a *domain.TokenLimitExceededError when the estimated
// input does not fit in the context window after the output reservation.
func CheckBudget(messages []domain.ChatMessage, model domain.ModelDescriptor, opts domain.StreamOptions) error {
	limit := model.ContextWindow - Reserved(opts, model)
	estimated := EstimateMessages(messages)
	if estimated > limit {
		return &domain.TokenLimitExceededError{
			ModelID:   model.ID,
			Estimated: estimated,
			Limit:     limit,
		}
	}
	return nil
}
