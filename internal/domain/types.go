package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText        PartType = "text"
	PartImageURL    PartType = "image_url"
	PartImageData   PartType = "image_data"
	PartImageSource PartType = "image_source"
)

// ImageSource is a vendor-neutral image blob: either inline base64 data or a URL.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type ContentPart struct {
	Type      PartType     `json:"type"`
	Text      string       `json:"text,omitempty"`
	ImageURL  string       `json:"image_url,omitempty"`
	MediaType string       `json:"media_type,omitempty"`
	Data      string       `json:"data,omitempty"`
	Source    *ImageSource `json:"source,omitempty"`
}

func (p ContentPart) IsImage() bool {
	return p.Type == PartImageURL || p.Type == PartImageData || p.Type == PartImageSource
}

// ChatMessage carries either plain Content or an ordered list of Parts.
// When Parts is non-empty it takes precedence over Content.
type ChatMessage struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text reduces the message to plain text by joining its text parts.
func (m ChatMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (m ChatMessage) HasImages() bool {
	for _, p := range m.Parts {
		if p.IsImage() {
			return true
		}
	}
	return false
}

type StreamOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
}

// StreamChunk is one increment of a streaming completion.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Finished bool   `json:"finished,omitempty"`
	Error    string `json:"error,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
}

// Terminal reports whether no further chunks may follow this one.
func (c StreamChunk) Terminal() bool {
	return c.Finished || c.Error != ""
}

type FileCategory string

const (
	FileImages    FileCategory = "images"
	FileDocuments FileCategory = "documents"
	FileText      FileCategory = "text"
	FileAudio     FileCategory = "audio"
	FileVideo     FileCategory = "video"
)

type FileCapability struct {
	Supported    bool     `json:"supported"`
	MaxSizeBytes int64    `json:"max_size_bytes,omitempty"`
	MaxCount     int      `json:"max_count,omitempty"`
	Formats      []string `json:"formats,omitempty"`
	Processing   string   `json:"processing,omitempty"`
}

type FileSupport map[FileCategory]FileCapability

type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

type ModelDescriptor struct {
	ID              string      `json:"id"`
	Provider        string      `json:"provider"`
	Name            string      `json:"name,omitempty"`
	ContextWindow   int         `json:"context_window"`
	MaxOutputTokens int         `json:"max_output_tokens"`
	Streaming       bool        `json:"streaming"`
	FunctionCalling bool        `json:"function_calling"`
	Multimodal      bool        `json:"multimodal"`
	Files           FileSupport `json:"files,omitempty"`
	Pricing         Pricing     `json:"pricing"`
}

type CredentialStatus string

const (
	CredentialValid   CredentialStatus = "valid"
	CredentialInvalid CredentialStatus = "invalid"
	CredentialPending CredentialStatus = "pending"
)

// Credential is a resolved, plaintext vendor key. It is never persisted.
type Credential struct {
	Provider  string
	Key       string
	TenantID  string
	IsUserKey bool
}

type CredentialRecord struct {
	ID          string
	TenantID    string
	Provider    string
	Ciphertext  string
	Fingerprint string
	KeyHint     string
	Status      CredentialStatus
	CreatedAt   time.Time
	ValidatedAt *time.Time
	UpdatedAt   time.Time
}

type CredentialSummary struct {
	Provider    string           `json:"provider"`
	Status      CredentialStatus `json:"status"`
	KeyHint     string           `json:"key_hint"`
	CreatedAt   time.Time        `json:"created_at"`
	ValidatedAt *time.Time       `json:"validated_at,omitempty"`
}

func (r *CredentialRecord) Summary() CredentialSummary {
	return CredentialSummary{
		Provider:    r.Provider,
		Status:      r.Status,
		KeyHint:     r.KeyHint,
		CreatedAt:   r.CreatedAt,
		ValidatedAt: r.ValidatedAt,
	}
}

type ProviderStatus struct {
	Provider  string `json:"provider"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
}
