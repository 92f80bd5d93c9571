package anthropic

import (
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
)

func DefaultModels() []domain.ModelDescriptor {
	vision := provider.VisionFiles(5<<20, 20)
	vision[domain.FileDocuments] = domain.FileCapability{Supported: true, MaxSizeBytes: 32 << 20, MaxCount: 5, Formats: []string{"pdf"}, Processing: "native"}

	return []domain.ModelDescriptor{
		{
			ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015},
		},
		{
			ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextWindow: 200000, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Files: provider.TextFiles(),
			Pricing: domain.Pricing{InputPer1K: 0.0008, OutputPer1K: 0.004},
		},
		{
			ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextWindow: 200000, MaxOutputTokens: 4096,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.015, OutputPer1K: 0.075},
		},
		{
			ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200000, MaxOutputTokens: 4096,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.00025, OutputPer1K: 0.00125},
		},
	}
}
