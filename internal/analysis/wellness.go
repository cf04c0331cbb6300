package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/types"
)

// AnalyzeGeneralWellness reduces every stored conversation analysis into a
// single cross-conversation wellness summary and caches it under today's
// date. The result is returned even when the cache write fails.
func (a *Analyzer) AnalyzeGeneralWellness(ctx context.Context) (*types.GeneralWellnessAnalysis, error) {
	conversations, err := a.store.GetAllConversations(wellnessPageSize)
	if err != nil {
		return nil, fmt.Errorf("load conversations for wellness analysis: %w", err)
	}

	var sb strings.Builder
	analyzed := 0
	for _, conv := range conversations {
		if conv.AIAnalysis == nil {
			continue
		}
		an := conv.AIAnalysis
		fmt.Fprintf(&sb, "Sentiment: %s\n", an.Sentiment)
		fmt.Fprintf(&sb, "Positivity Score: %.0f\n", an.PositivityScore)
		fmt.Fprintf(&sb, "Relationship Type: %s\n", an.RelationshipType)
		fmt.Fprintf(&sb, "Notes: %s\n\n", an.Notes)
		analyzed++
	}

	prompt := fmt.Sprintf(
		"Analyze the following conversation analyses and provide a general communication and mental "+
			"wellness analysis in accordance with the schema provided. Keep your analysis as positive as "+
			"possible and keep criticism constructive. Do not reach medical conclusions and do not make "+
			"recommendations for medical treatment; use warning_flags only for acute safety concerns. "+
			"The current date is %s.\n\n%s",
		time.Now().Format(time.RFC3339), sb.String())

	raw, err := a.reasoner.GenerateStructured(ctx, prompt, GeneralWellnessSchema)
	if err != nil {
		return nil, fmt.Errorf("wellness analysis: %w", err)
	}

	var result types.GeneralWellnessAnalysis
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode wellness analysis: %w (response: %s)", err, raw)
	}
	if result.WellnessScore < 0 {
		result.WellnessScore = 0
	}
	if result.WellnessScore > 100 {
		result.WellnessScore = 100
	}

	if err := a.store.UpsertWellnessEvaluation(&result); err != nil {
		a.log.Warn("failed to persist wellness evaluation", zap.Error(err))
	}
	a.log.Info("wellness analysis complete",
		zap.Int("conversations_analyzed", analyzed),
		zap.Int("wellness_score", result.WellnessScore))
	return &result, nil
}
