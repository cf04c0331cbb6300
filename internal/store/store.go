// Package store persists per-conversation analyses, contact snapshots and
// daily wellness evaluations in a local SQLite database.
//
// Every operation funnels identifiers through identity.Normalize before
// touching a storage key. Two differently formatted identifiers for the same
// conversation must never create diverging rows.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/AJCubed/tether/internal/identity"
	"github.com/AJCubed/tether/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the conversations database. Construct with Open; the
// connection is reused for the process lifetime.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the conversations database at path and
// applies the schema. Use ":memory:" for tests.
func Open(path string, log *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers while a writer is active.
	// busy_timeout reduces SQLITE_BUSY errors under contention.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// ConversationRecord is one row of the conversations table with JSON
// columns decoded.
type ConversationRecord struct {
	ChatID       string                      `json:"chatId"`
	Sender       string                      `json:"sender"`
	SenderName   *string                     `json:"senderName"`
	Birthday     *string                     `json:"birthday"`
	Organization *string                     `json:"organization"`
	JobTitle     *string                     `json:"jobTitle"`
	AIAnalysis   *types.ConversationAnalysis `json:"aiAnalysis"`
	UserNotes    *string                     `json:"userNotes"`
	CreatedAt    string                      `json:"createdAt"`
	UpdatedAt    string                      `json:"updatedAt"`
}

// WellnessEvalRecord is one row of the wellness_evals table.
type WellnessEvalRecord struct {
	Date          string                        `json:"date"`
	WellnessScore int                           `json:"wellnessScore"`
	Analysis      types.GeneralWellnessAnalysis `json:"analysis"`
	CreatedAt     string                        `json:"createdAt"`
	UpdatedAt     string                        `json:"updatedAt"`
}

// ContactFields are the nullable contact metadata columns of a conversation.
type ContactFields struct {
	SenderName   *string
	Birthday     *string
	Organization *string
	JobTitle     *string
}

// UpsertContact inserts or updates the contact snapshot for a conversation.
// On conflict each field is replaced only when the incoming value is non-nil
// (COALESCE merge); updated_at always refreshes. Both chatID and sender are
// canonicalized before the write.
func (s *Store) UpsertContact(chatID, sender string, fields ContactFields) error {
	canonical := identity.Normalize(chatID)
	_, err := s.db.Exec(`
		INSERT INTO conversations (
			chat_id, sender, sender_name, birthday, organization, job_title, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(chat_id) DO UPDATE SET
			sender_name = COALESCE(excluded.sender_name, sender_name),
			birthday = COALESCE(excluded.birthday, birthday),
			organization = COALESCE(excluded.organization, organization),
			job_title = COALESCE(excluded.job_title, job_title),
			updated_at = datetime('now')
	`, canonical, identity.Normalize(sender),
		fields.SenderName, fields.Birthday, fields.Organization, fields.JobTitle)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", canonical, err)
	}
	return nil
}

// GetConversation returns the record for chatID, or nil when absent.
func (s *Store) GetConversation(chatID string) (*ConversationRecord, error) {
	canonical := identity.Normalize(chatID)
	row := s.db.QueryRow(`
		SELECT chat_id, sender, sender_name, birthday, organization, job_title,
		       ai_analysis, user_notes, created_at, updated_at
		FROM conversations
		WHERE chat_id = ?
	`, canonical)

	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", canonical, err)
	}
	return rec, nil
}

// GetConversationAnalysis returns the stored analysis for chatID, or nil.
func (s *Store) GetConversationAnalysis(chatID string) (*types.ConversationAnalysis, error) {
	canonical := identity.Normalize(chatID)
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT ai_analysis FROM conversations WHERE chat_id = ?`, canonical).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", canonical, err)
	}
	return decodeAnalysis(raw)
}

// GetConversationAnalyses looks up analyses for a batch of chat ids in one
// query. The returned map is keyed by canonical id, not the caller's input;
// callers must normalize their own keys to probe it. An empty input returns
// an empty map without querying.
func (s *Store) GetConversationAnalyses(chatIDs []string) (map[string]*types.ConversationAnalysis, error) {
	out := make(map[string]*types.ConversationAnalysis, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}

	canonical := make([]string, 0, len(chatIDs))
	args := make([]any, 0, len(chatIDs))
	for _, id := range chatIDs {
		c := identity.Normalize(id)
		canonical = append(canonical, c)
		args = append(args, c)
	}

	query := fmt.Sprintf(
		`SELECT chat_id, ai_analysis FROM conversations WHERE chat_id IN (%s)`,
		strings.TrimSuffix(strings.Repeat("?, ", len(canonical)), ", "))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch analyses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		analysis, err := decodeAnalysis(raw)
		if err != nil {
			return nil, err
		}
		out[id] = analysis
	}
	return out, rows.Err()
}

// UpdateAIAnalysis replaces the stored analysis for chatID wholesale.
// A missing row is not an error; it only logs a warning.
func (s *Store) UpdateAIAnalysis(chatID string, analysis *types.ConversationAnalysis) error {
	canonical := identity.Normalize(chatID)
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE conversations
		SET ai_analysis = ?, updated_at = datetime('now')
		WHERE chat_id = ?
	`, string(payload), canonical)
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", canonical, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("analysis update matched no conversation", zap.String("chat_id", canonical))
	}
	return nil
}

// UpdateUserNotes replaces the free-form user notes for chatID.
func (s *Store) UpdateUserNotes(chatID, notes string) error {
	canonical := identity.Normalize(chatID)
	res, err := s.db.Exec(`
		UPDATE conversations
		SET user_notes = ?, updated_at = datetime('now')
		WHERE chat_id = ?
	`, notes, canonical)
	if err != nil {
		return fmt.Errorf("update notes %s: %w", canonical, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("notes update matched no conversation", zap.String("chat_id", canonical))
	}
	return nil
}

// GetAllConversations returns up to limit records, most recently updated
// first.
func (s *Store) GetAllConversations(limit int) ([]*ConversationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT chat_id, sender, sender_name, birthday, organization, job_title,
		       ai_analysis, user_notes, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertWellnessEvaluation stores the analysis under today's date in the
// process's local timezone, replacing any same-day record.
func (s *Store) UpsertWellnessEvaluation(analysis *types.GeneralWellnessAnalysis) error {
	date := time.Now().Format("2006-01-02")
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode wellness analysis: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO wellness_evals (date, wellness_score, analysis, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(date) DO UPDATE SET
			wellness_score = excluded.wellness_score,
			analysis = excluded.analysis,
			updated_at = datetime('now')
	`, date, analysis.WellnessScore, string(payload))
	if err != nil {
		return fmt.Errorf("upsert wellness eval %s: %w", date, err)
	}
	return nil
}

// GetWellnessEvaluation returns the record for a YYYY-MM-DD date, or nil.
func (s *Store) GetWellnessEvaluation(date string) (*WellnessEvalRecord, error) {
	row := s.db.QueryRow(`
		SELECT date, wellness_score, analysis, created_at, updated_at
		FROM wellness_evals
		WHERE date = ?
	`, date)

	var rec WellnessEvalRecord
	var raw string
	err := row.Scan(&rec.Date, &rec.WellnessScore, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wellness eval %s: %w", date, err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Analysis); err != nil {
		return nil, fmt.Errorf("decode wellness eval %s: %w", date, err)
	}
	return &rec, nil
}

// TodayWellnessEvaluation returns today's record (local timezone), or nil.
func (s *Store) TodayWellnessEvaluation() (*WellnessEvalRecord, error) {
	return s.GetWellnessEvaluation(time.Now().Format("2006-01-02"))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*ConversationRecord, error) {
	var rec ConversationRecord
	var analysisRaw, notesRaw sql.NullString
	var senderName, birthday, organization, jobTitle sql.NullString

	err := row.Scan(&rec.ChatID, &rec.Sender, &senderName, &birthday,
		&organization, &jobTitle, &analysisRaw, &notesRaw,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.SenderName = nullable(senderName)
	rec.Birthday = nullable(birthday)
	rec.Organization = nullable(organization)
	rec.JobTitle = nullable(jobTitle)
	rec.UserNotes = nullable(notesRaw)

	rec.AIAnalysis, err = decodeAnalysis(analysisRaw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeAnalysis(raw sql.NullString) (*types.ConversationAnalysis, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var a types.ConversationAnalysis
	if err := json.Unmarshal([]byte(raw.String), &a); err != nil {
		return nil, fmt.Errorf("decode analysis JSON: %w", err)
	}
	return &a, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
