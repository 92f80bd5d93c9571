package openai

import (
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
)

const maxImageBytes = 20 << 20

func DefaultModels() []domain.ModelDescriptor {
	vision := provider.VisionFiles(maxImageBytes, 10)
	text := provider.TextFiles()

	return []domain.ModelDescriptor{
		{
			ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, MaxOutputTokens: 16384,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01},
		},
		{
			ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000, MaxOutputTokens: 16384,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.00015, OutputPer1K: 0.0006},
		},
		{
			ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextWindow: 128000, MaxOutputTokens: 4096,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.01, OutputPer1K: 0.03},
		},
		{
			ID: "gpt-4", Name: "GPT-4", ContextWindow: 8192, MaxOutputTokens: 4096,
			Streaming: true, FunctionCalling: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.03, OutputPer1K: 0.06},
		},
		{
			ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextWindow: 16385, MaxOutputTokens: 4096,
			Streaming: true, FunctionCalling: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
		{
			ID: "o1", Name: "o1", ContextWindow: 200000, MaxOutputTokens: 100000,
			Streaming: true, Multimodal: true, Files: vision,
			Pricing: domain.Pricing{InputPer1K: 0.015, OutputPer1K: 0.06},
		},
		{
			ID: "o1-mini", Name: "o1-mini", ContextWindow: 128000, MaxOutputTokens: 65536,
			Streaming: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.003, OutputPer1K: 0.012},
		},
	}
}
