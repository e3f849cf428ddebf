// Package persistence handles mapping and YAML serialization of sessions
package persistence

import "github.com/sealor/ops-assistant/pkg/model"

type Session struct {
	ConversationID string `yaml:"conversation_id,omitempty"`
	Model          string `yaml:"model,omitempty"`

	Messages []model.Message `yaml:"messages"`
}
