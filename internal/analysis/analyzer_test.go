package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/store"
	"github.com/AJCubed/tether/internal/types"
)

type fakeReasoner struct {
	response json.RawMessage
	err      error
	prompts  []string
}

func (f *fakeReasoner) GenerateStructured(_ context.Context, prompt string, _ any) (json.RawMessage, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func textMsg(sender, text string, fromMe bool) types.Message {
	return types.Message{
		ID:       sender + "-" + text,
		Text:     &text,
		Sender:   sender,
		Date:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		IsFromMe: fromMe,
	}
}

func TestAnalyzeWithoutPriorRecord(t *testing.T) {
	st := newTestStore(t)
	reasoner := &fakeReasoner{response: json.RawMessage(`{
		"sentiment": "friendly",
		"positivity_score": 62,
		"recommendations": [{"title": "Follow up", "description": "Confirm dinner plans."}],
		"notes": "Light, supportive exchange.",
		"relationship_type": "close friend"
	}`)}
	a := New(reasoner, st, zap.NewNop())

	got, err := a.Analyze(context.Background(), "+16692819325", []types.Message{
		textMsg("+16692819325", "dinner friday?", false),
		textMsg("me", "yes! 7pm?", true),
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Sentiment != "friendly" || got.PositivityScore != 62 {
		t.Fatalf("analysis = %+v", got)
	}
	if got.PositivityScore < -100 || got.PositivityScore > 100 {
		t.Fatalf("positivity out of range: %v", got.PositivityScore)
	}
}

func TestAnalyzeScoreClamped(t *testing.T) {
	st := newTestStore(t)
	reasoner := &fakeReasoner{response: json.RawMessage(`{
		"sentiment": "x", "positivity_score": 250,
		"recommendations": [], "notes": "", "relationship_type": ""
	}`)}
	a := New(reasoner, st, zap.NewNop())

	got, err := a.Analyze(context.Background(), "chat1", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.PositivityScore != 100 {
		t.Fatalf("score = %v, want clamped to 100", got.PositivityScore)
	}
}

func TestAnalyzeFeedsPriorContextIntoPrompt(t *testing.T) {
	st := newTestStore(t)
	name := "Sam Rivera"
	if err := st.UpsertContact("+16692819325", "+16692819325", store.ContactFields{SenderName: &name}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpdateAIAnalysis("16692819325", &types.ConversationAnalysis{
		Sentiment:        "cautious",
		PositivityScore:  -20,
		RelationshipType: "coworker",
		Notes:            "strained since the deadline slip",
	}); err != nil {
		t.Fatalf("seed analysis: %v", err)
	}
	if err := st.UpdateUserNotes("16692819325", "wants to talk less about work"); err != nil {
		t.Fatalf("seed notes: %v", err)
	}

	reasoner := &fakeReasoner{response: json.RawMessage(`{
		"sentiment": "warming", "positivity_score": 10,
		"recommendations": [], "notes": "", "relationship_type": "coworker"
	}`)}
	a := New(reasoner, st, zap.NewNop())

	// Non-canonical variant must resolve to the same record.
	if _, err := a.Analyze(context.Background(), "+1 (669) 281-9325", []types.Message{
		textMsg("+16692819325", "coffee this week?", false),
	}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if len(reasoner.prompts) != 1 {
		t.Fatalf("expected 1 reasoning call, got %d", len(reasoner.prompts))
	}
	prompt := reasoner.prompts[0]
	for _, want := range []string{"cautious", "coworker", "strained since the deadline slip",
		"wants to talk less about work", "Sam Rivera", "coffee this week?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}

	// Result fully replaced the stored analysis.
	stored, err := st.GetConversationAnalysis("16692819325")
	if err != nil || stored == nil {
		t.Fatalf("stored analysis: %v %v", stored, err)
	}
	if stored.Sentiment != "warming" {
		t.Fatalf("stored sentiment = %q, want warming", stored.Sentiment)
	}
}

func TestAnalyzeReasoningFailureIsHardError(t *testing.T) {
	st := newTestStore(t)
	a := New(&fakeReasoner{err: errors.New("upstream down")}, st, zap.NewNop())
	if _, err := a.Analyze(context.Background(), "chat1", nil); err == nil {
		t.Fatal("expected error from failed reasoning call")
	}
}

func TestRenderTranscript(t *testing.T) {
	name := "Sam"
	msgs := []types.Message{
		{Sender: "+16692819325", SenderName: &name, Text: nil,
			Date: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)},
		textMsg("me", "see you then", true),
	}
	out := RenderTranscript(msgs)
	if !strings.Contains(out, "Sam: [attachment or media]") {
		t.Fatalf("media placeholder missing:\n%s", out)
	}
	if !strings.Contains(out, "You: see you then") {
		t.Fatalf("own message not rendered as You:\n%s", out)
	}
}

func TestWellnessSkipsUnanalyzedAndPersists(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpsertContact("chat1", "chat1", store.ContactFields{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertContact("chat2", "chat2", store.ContactFields{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpdateAIAnalysis("chat1", &types.ConversationAnalysis{
		Sentiment: "friendly", PositivityScore: 50, RelationshipType: "friend", Notes: "steady",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reasoner := &fakeReasoner{response: json.RawMessage(`{
		"wellness_score": 71,
		"compliments": [{"title": "Consistent", "description": "You keep in touch."}],
		"recommendations": [],
		"notes": [],
		"warning_flags": []
	}`)}
	a := New(reasoner, st, zap.NewNop())

	got, err := a.AnalyzeGeneralWellness(context.Background())
	if err != nil {
		t.Fatalf("wellness: %v", err)
	}
	if got.WellnessScore != 71 {
		t.Fatalf("score = %d", got.WellnessScore)
	}

	prompt := reasoner.prompts[0]
	if !strings.Contains(prompt, "friendly") {
		t.Fatalf("analyzed conversation missing from prompt:\n%s", prompt)
	}
	// chat2 has no analysis; nothing of it should appear.
	if strings.Count(prompt, "Sentiment:") != 1 {
		t.Fatalf("expected exactly one analysis block in prompt:\n%s", prompt)
	}

	rec, err := st.TodayWellnessEvaluation()
	if err != nil || rec == nil {
		t.Fatalf("today eval: %v %v", rec, err)
	}
	if rec.WellnessScore != 71 {
		t.Fatalf("persisted score = %d", rec.WellnessScore)
	}
}
