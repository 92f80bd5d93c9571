package anthropic

import (
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

// Request is the Messages API body. Bedrock reuses it with AnthropicVersion
// set and Model/Stream left empty.
type Request struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	System           string    `json:"system,omitempty"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      *float64  `json:"temperature,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

type Block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// BuildRequest moves system messages into the out-of-band system field and
// maps image parts to source blocks. Images are dropped for text-only models.
func BuildRequest(messages []domain.ChatMessage, model domain.ModelDescriptor, opts domain.StreamOptions) Request {
	system, rest := provider.SystemPrompt(messages)

	out := make([]Message, 0, len(rest))
	for _, m := range rest {
		blocks := toBlocks(m, model.Multimodal && m.Role == domain.RoleUser)
		if len(blocks) == 0 {
			continue
		}
		out = append(out, Message{Role: string(m.Role), Content: blocks})
	}

	return Request{
		Messages:    out,
		System:      system,
		MaxTokens:   tokens.Reserved(opts, model),
		Temperature: opts.Temperature,
	}
}

func toBlocks(m domain.ChatMessage, images bool) []Block {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []Block{{Type: "text", Text: m.Content}}
	}

	blocks := make([]Block, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch {
		case part.Type == domain.PartText:
			if part.Text != "" {
				blocks = append(blocks, Block{Type: "text", Text: part.Text})
			}
		case !images:
		case part.Type == domain.PartImageURL && part.ImageURL != "":
			blocks = append(blocks, Block{Type: "image", Source: &ImageSource{Type: "url", URL: part.ImageURL}})
		case part.Type == domain.PartImageData && part.Data != "":
			blocks = append(blocks, Block{Type: "image", Source: &ImageSource{Type: "base64", MediaType: part.MediaType, Data: part.Data}})
		case part.Type == domain.PartImageSource && part.Source != nil:
			src := ImageSource(*part.Source)
			blocks = append(blocks, Block{Type: "image", Source: &src})
		}
	}
	return blocks
}
