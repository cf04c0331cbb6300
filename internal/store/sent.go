package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AJCubed/tether/internal/identity"
	"github.com/AJCubed/tether/internal/types"
)

// SentMessage is one entry of the sent-message journal.
type SentMessage struct {
	ID     string    `json:"id"`
	ChatID *string   `json:"chatId"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Date   time.Time `json:"date"`
}

// RecordSentMessage journals a message we just sent through the source.
// sender is the conversation counterpart (the recipient), canonicalized.
func (s *Store) RecordSentMessage(chatID *string, sender, text string, date time.Time) error {
	var canonicalChat *string
	if chatID != nil {
		c := identity.Normalize(*chatID)
		canonicalChat = &c
	}
	_, err := s.db.Exec(`
		INSERT INTO sent_messages (id, chat_id, sender, text, date)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), canonicalChat, identity.Normalize(sender), text,
		date.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record sent message: %w", err)
	}
	return nil
}

// GetSentMessages returns journaled sends for a conversation since a cutoff,
// matched by canonical chat id or canonical sender, oldest first.
func (s *Store) GetSentMessages(chatID *string, sender string, since time.Time) ([]SentMessage, error) {
	var rows *sql.Rows
	var err error
	cutoff := since.UTC().Format(time.RFC3339)
	if chatID != nil {
		rows, err = s.db.Query(`
			SELECT id, chat_id, sender, text, date
			FROM sent_messages
			WHERE (chat_id = ? OR sender = ?) AND date >= ?
			ORDER BY date ASC
		`, identity.Normalize(*chatID), identity.Normalize(sender), cutoff)
	} else {
		rows, err = s.db.Query(`
			SELECT id, chat_id, sender, text, date
			FROM sent_messages
			WHERE sender = ? AND date >= ?
			ORDER BY date ASC
		`, identity.Normalize(sender), cutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("get sent messages: %w", err)
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var m SentMessage
		var chat sql.NullString
		var dateRaw string
		if err := rows.Scan(&m.ID, &chat, &m.Sender, &m.Text, &dateRaw); err != nil {
			return nil, fmt.Errorf("scan sent message: %w", err)
		}
		m.ChatID = nullable(chat)
		m.Date, err = time.Parse(time.RFC3339, dateRaw)
		if err != nil {
			return nil, fmt.Errorf("parse sent message date: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AsMessage converts a journal entry to the shared message shape.
func (m SentMessage) AsMessage() types.Message {
	text := m.Text
	msg := types.Message{
		ID:       m.ID,
		Text:     &text,
		Sender:   m.Sender,
		Date:     m.Date,
		IsFromMe: true,
		IsRead:   true,
	}
	if m.ChatID != nil {
		msg.ChatID = *m.ChatID
	}
	return msg
}
