package gemini

import (
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
)

func DefaultModels() []domain.ModelDescriptor {
	files := provider.VisionFiles(20<<20, 16)
	files[domain.FileDocuments] = domain.FileCapability{Supported: true, MaxSizeBytes: 50 << 20, MaxCount: 5, Formats: []string{"pdf"}, Processing: "native"}
	files[domain.FileAudio] = domain.FileCapability{Supported: true, MaxSizeBytes: 20 << 20, MaxCount: 1, Formats: []string{"mp3", "wav"}, Processing: "native"}

	return []domain.ModelDescriptor{
		{
			ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1048576, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: files,
			Pricing: domain.Pricing{InputPer1K: 0.0001, OutputPer1K: 0.0004},
		},
		{
			ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextWindow: 2097152, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: files,
			Pricing: domain.Pricing{InputPer1K: 0.00125, OutputPer1K: 0.005},
		},
		{
			ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextWindow: 1048576, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: files,
			Pricing: domain.Pricing{InputPer1K: 0.000075, OutputPer1K: 0.0003},
		},
	}
}
