// Package types holds the wire-level shapes shared by the message source,
// the conversation store, and the analyzers.
package types

import "time"

// Message is a single iMessage as surfaced by the message source.
// Text is nil for attachment-only messages.
type Message struct {
	ID         string     `json:"id"`
	Text       *string    `json:"text"`
	Sender     string     `json:"sender"`
	SenderName *string    `json:"senderName"`
	Date       time.Time  `json:"date"`
	IsFromMe   bool       `json:"isFromMe"`
	IsRead     bool       `json:"isRead"`
	ChatID     string     `json:"chatId,omitempty"`
}

// Recommendation is one suggested next step for a conversation.
type Recommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	NextMessage string `json:"next_message,omitempty"`
	NextAction  string `json:"next_action,omitempty"`
}

// ConversationAnalysis is the structured result of analyzing one
// conversation. It always replaces the prior stored value wholesale.
type ConversationAnalysis struct {
	Sentiment        string           `json:"sentiment"`
	PositivityScore  float64          `json:"positivity_score"`
	Recommendations  []Recommendation `json:"recommendations"`
	Notes            string           `json:"notes"`
	RelationshipType string           `json:"relationship_type"`
}

// TitleAndDescription is a generic titled note used by the wellness analysis.
type TitleAndDescription struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// GeneralWellnessAnalysis is the daily cross-conversation summary.
// WarningFlags is reserved for acute safety concerns and is rarely populated.
type GeneralWellnessAnalysis struct {
	WellnessScore   int                   `json:"wellness_score"`
	Compliments     []TitleAndDescription `json:"compliments"`
	Recommendations []Recommendation      `json:"recommendations"`
	Notes           []TitleAndDescription `json:"notes"`
	WarningFlags    []TitleAndDescription `json:"warning_flags"`
}
