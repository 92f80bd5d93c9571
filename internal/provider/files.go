package provider

import "github.com/mosmn/conversational-glass-ai-sub000/internal/domain"

var imageFormats = []string{"png", "jpeg", "gif", "webp"}

// VisionFiles describes a model that accepts inline images and text files.
func VisionFiles(maxImageBytes int64, maxImages int) domain.FileSupport {
	return domain.FileSupport{
		domain.FileImages: {
			Supported:    true,
			MaxSizeBytes: maxImageBytes,
			MaxCount:     maxImages,
			Formats:      imageFormats,
			Processing:   "vision",
		},
		domain.FileText: {Supported: true, Formats: []string{"txt", "md", "csv", "json"}, Processing: "inline"},
	}
}

// TextFiles describes a text-only model.
func TextFiles() domain.FileSupport {
	return domain.FileSupport{
		domain.FileImages: {Supported: false},
		domain.FileText:   {Supported: true, Formats: []string{"txt", "md", "csv", "json"}, Processing: "inline"},
	}
}

// DataURL renders inline image data the way URL-based vendors accept it.
func DataURL(mediaType, data string) string {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + data
}

// SystemPrompt joins every system message into one instruction and returns
// the remaining conversation.
func SystemPrompt(messages []domain.ChatMessage) (string, []domain.ChatMessage) {
	var system string
	rest := make([]domain.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != domain.RoleSystem {
			rest = append(rest, m)
			continue
		}
		text := m.Text()
		if text == "" {
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += text
	}
	return system, rest
}
