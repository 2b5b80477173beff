package usecase

import (
	"support-chat/internal/domain"
)

// limitContext returns the last maxCount messages in their original
// chronological order. Inputs at or under the bound are returned unchanged.
func limitContext(messages []domain.Message, maxCount int) []domain.Message {
	if maxCount <= 0 {
		return nil
	}
	if len(messages) <= maxCount {
		return messages
	}
	return messages[len(messages)-maxCount:]
}

// formatForModel maps stored messages to the provider message shape,
// preserving order and content verbatim. Legacy rows stored with sender "ai"
// map to the assistant role.
func formatForModel(messages []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == domain.RoleAssistant || m.Role == "ai" {
			role = "assistant"
		}
		out = append(out, domain.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}
