package model

import "time"

// Turn is one relayed utterance/response pair, recorded for the status
// display and diagnostics.
type Turn struct {
	ID             string    `db:"id" json:"id"`
	Identity       string    `db:"identity" json:"identity"`
	ConversationID *string   `db:"conversation_id" json:"conversationId,omitempty"`
	UserText       string    `db:"user_text" json:"userText"`
	AssistantText  string    `db:"assistant_text" json:"assistantText"`
	HistoryTokens  int       `db:"history_tokens" json:"historyTokens"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

type CreateTurnParams struct {
	Identity       string
	ConversationID *string
	UserText       string
	AssistantText  string
	HistoryTokens  int
}
