// Package analysis orchestrates the reasoning calls that turn message
// windows into stored conversation analyses and daily wellness summaries.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/identity"
	"github.com/AJCubed/tether/internal/store"
	"github.com/AJCubed/tether/internal/types"
)

// wellnessPageSize bounds how many conversations feed one wellness run.
const wellnessPageSize = 100

// Reasoner is the structured-output reasoning collaborator. Implemented by
// gemini.Client and openaichat.Client.
type Reasoner interface {
	GenerateStructured(ctx context.Context, prompt string, schema any) (json.RawMessage, error)
}

// ConversationStore is the slice of the store the analyzer needs.
type ConversationStore interface {
	GetConversation(chatID string) (*store.ConversationRecord, error)
	UpdateAIAnalysis(chatID string, analysis *types.ConversationAnalysis) error
	GetAllConversations(limit int) ([]*store.ConversationRecord, error)
	UpsertWellnessEvaluation(analysis *types.GeneralWellnessAnalysis) error
}

// Analyzer runs conversation and wellness analyses.
type Analyzer struct {
	reasoner Reasoner
	store    ConversationStore
	log      *zap.Logger
}

// New creates an analyzer.
func New(reasoner Reasoner, store ConversationStore, log *zap.Logger) *Analyzer {
	return &Analyzer{reasoner: reasoner, store: store, log: log}
}

// Analyze produces a fresh analysis for one conversation. The prior stored
// analysis, user notes and contact metadata are folded into the prompt for
// continuity; the result then replaces the stored analysis wholesale.
//
// A reasoning failure is a hard error. A persistence failure is not: the
// returned analysis is still valid for the caller, so the write is logged
// and swallowed.
func (a *Analyzer) Analyze(ctx context.Context, chatID string, messages []types.Message) (*types.ConversationAnalysis, error) {
	canonical := identity.Normalize(chatID)

	prior, err := a.store.GetConversation(canonical)
	if err != nil {
		a.log.Warn("could not read prior conversation context",
			zap.String("chat_id", canonical), zap.Error(err))
		prior = nil
	}

	prompt := buildConversationPrompt(prior, messages)

	raw, err := a.reasoner.GenerateStructured(ctx, prompt, ConversationAnalysisSchema)
	if err != nil {
		return nil, fmt.Errorf("analyze conversation %s: %w", canonical, err)
	}

	var result types.ConversationAnalysis
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode analysis for %s: %w (response: %s)", canonical, err, raw)
	}
	result.PositivityScore = clamp(result.PositivityScore, -100, 100)

	if err := a.store.UpdateAIAnalysis(canonical, &result); err != nil {
		a.log.Warn("failed to persist conversation analysis",
			zap.String("chat_id", canonical), zap.Error(err))
	}
	return &result, nil
}

func buildConversationPrompt(prior *store.ConversationRecord, messages []types.Message) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following conversation and provide a summary in accordance with the schema provided.\n\n")

	if prior != nil {
		if prev := prior.AIAnalysis; prev != nil {
			sb.WriteString("Previous analysis of this conversation:\n")
			fmt.Fprintf(&sb, "  Sentiment: %s\n", prev.Sentiment)
			fmt.Fprintf(&sb, "  Positivity Score: %.0f\n", prev.PositivityScore)
			fmt.Fprintf(&sb, "  Relationship Type: %s\n", prev.RelationshipType)
			fmt.Fprintf(&sb, "  Notes: %s\n\n", prev.Notes)
		}
		if prior.UserNotes != nil && *prior.UserNotes != "" {
			fmt.Fprintf(&sb, "User's own notes about this contact: %s\n\n", *prior.UserNotes)
		}
		if meta := contactLine(prior); meta != "" {
			fmt.Fprintf(&sb, "Contact: %s\n\n", meta)
		}
	}

	sb.WriteString("The recent conversation is as follows:\n")
	sb.WriteString(RenderTranscript(messages))
	fmt.Fprintf(&sb, "\nThe current date is %s.\n", time.Now().Format(time.RFC3339))
	return sb.String()
}

func contactLine(rec *store.ConversationRecord) string {
	var parts []string
	if rec.SenderName != nil && *rec.SenderName != "" {
		parts = append(parts, *rec.SenderName)
	}
	if rec.Organization != nil && *rec.Organization != "" {
		parts = append(parts, *rec.Organization)
	}
	if rec.JobTitle != nil && *rec.JobTitle != "" {
		parts = append(parts, *rec.JobTitle)
	}
	if rec.Birthday != nil && *rec.Birthday != "" {
		parts = append(parts, "birthday "+*rec.Birthday)
	}
	return strings.Join(parts, ", ")
}

// RenderTranscript renders messages as "sender: text @ timestamp" lines.
// The caller is responsible for chronological ordering. Attachment-only
// messages get a placeholder so the model sees the turn happened.
func RenderTranscript(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		who := m.Sender
		if m.IsFromMe {
			who = "You"
		} else if m.SenderName != nil && *m.SenderName != "" {
			who = *m.SenderName
		}
		text := "[attachment or media]"
		if m.Text != nil {
			text = *m.Text
		}
		fmt.Fprintf(&sb, "%s: %s @ %s\n", who, text, m.Date.Format(time.RFC3339))
	}
	return sb.String()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
