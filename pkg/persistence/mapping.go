package persistence

import "github.com/sealor/ops-assistant/pkg/model"

// NewSession copies messages into a transcript. Binary attachment payloads
// are dropped; the extracted text is kept.
func NewSession(conversationID, activeModel string, messages []model.Message) *Session {
	session := Session{ConversationID: conversationID, Model: activeModel}
	for _, message := range messages {
		message = message.Clone()
		for i := range message.Attachments {
			message.Attachments[i].Base64 = ""
		}
		session.Messages = append(session.Messages, message)
	}
	return &session
}
