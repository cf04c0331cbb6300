package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/contacts"
	"github.com/AJCubed/tether/internal/imessage"
	"github.com/AJCubed/tether/internal/store"
	"github.com/AJCubed/tether/internal/types"
)

type fakeSource struct {
	messages []types.Message
	sent     []string
	sendErr  error
}

func (f *fakeSource) GetMessages(ctx context.Context, filter imessage.Filter) ([]types.Message, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var out []types.Message
	for _, m := range f.messages {
		if filter.ChatID != "" && m.ChatID != filter.ChatID {
			continue
		}
		if filter.Sender != "" && m.Sender != filter.Sender {
			continue
		}
		if filter.Since != nil && m.Date.Before(*filter.Since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeSource) Send(ctx context.Context, recipient, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, recipient+": "+text)
	return nil
}

func (f *fakeSource) GetUnreadMessages(ctx context.Context) (map[string][]types.Message, error) {
	return nil, nil
}

type fakeAnalyzer struct {
	analysis    *types.ConversationAnalysis
	wellness    *types.GeneralWellnessAnalysis
	err         error
	lastChatID  string
	lastMsgsLen int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, chatID string, messages []types.Message) (*types.ConversationAnalysis, error) {
	f.lastChatID = chatID
	f.lastMsgsLen = len(messages)
	return f.analysis, f.err
}

func (f *fakeAnalyzer) AnalyzeGeneralWellness(ctx context.Context) (*types.GeneralWellnessAnalysis, error) {
	return f.wellness, f.err
}

type fakeLookup map[string]*contacts.ContactInfo

func (f fakeLookup) Lookup(identifier string) *contacts.ContactInfo { return f[identifier] }

func newTestServer(t *testing.T, source *fakeSource, analyzer *fakeAnalyzer, lookup ContactLookup) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tether.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(source, st, lookup, analyzer, zap.NewNop()), st
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func strp(s string) *string { return &s }

func TestGetMessagesRequiresIdentifier(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil, nil)
	w, body := doJSON(t, s.Router(), http.MethodGet, "/messages", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body["error"] != "chatId or sender parameter is required" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestGetMessagesMergesSentJournal(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	source := &fakeSource{messages: []types.Message{
		{ID: "m1", Text: strp("hey"), Sender: "16692819325", ChatID: "16692819325", Date: now.Add(-time.Hour)},
		{ID: "m2", Text: nil, Sender: "16692819325", ChatID: "16692819325", Date: now.Add(-30 * time.Minute), IsFromMe: true},
	}}
	s, st := newTestServer(t, source, nil, nil)

	// One entry backfills the null-text own message, one was never
	// surfaced by the source and should be appended.
	if err := st.RecordSentMessage(strp("16692819325"), "16692819325", "recovered text", now.Add(-30*time.Minute).Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordSentMessage(strp("16692819325"), "16692819325", "missed send", now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	w, body := doJSON(t, s.Router(), http.MethodGet, "/messages?chatId=16692819325", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}
	raw := body["messages"].([]any)
	if len(raw) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(raw))
	}
	second := raw[1].(map[string]any)
	if second["text"] != "recovered text" {
		t.Fatalf("backfilled text = %v", second["text"])
	}
	last := raw[2].(map[string]any)
	if last["text"] != "missed send" || last["isFromMe"] != true {
		t.Fatalf("appended entry = %v", last)
	}

	// Chronological order, oldest first.
	var prev time.Time
	for _, entry := range raw {
		d, err := time.Parse(time.RFC3339, entry.(map[string]any)["date"].(string))
		if err != nil {
			t.Fatal(err)
		}
		if d.Before(prev) {
			t.Fatal("messages not sorted by date")
		}
		prev = d
	}
}

func TestSendMessageJournals(t *testing.T) {
	now := time.Now()
	source := &fakeSource{messages: []types.Message{
		{ID: "m1", Text: strp("hi"), Sender: "+1 (669) 281-9325", ChatID: "chat9000", Date: now},
	}}
	s, st := newTestServer(t, source, nil, nil)

	w, body := doJSON(t, s.Router(), http.MethodPost, "/messages?recipient=%2B1%20%28669%29%20281-9325&message=on+my+way", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}
	if len(source.sent) != 1 {
		t.Fatalf("sent = %v", source.sent)
	}

	stored, err := st.GetSentMessages(nil, "16692819325", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Text != "on my way" {
		t.Fatalf("journal = %+v", stored)
	}
	if stored[0].ChatID == nil || *stored[0].ChatID != "chat9000" {
		t.Fatalf("journal chat id = %v, want discovered chat9000", stored[0].ChatID)
	}
}

func TestSendMessageMissingParams(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil, nil)
	w, _ := doJSON(t, s.Router(), http.MethodPost, "/messages?recipient=x", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetAnalysis(t *testing.T) {
	s, st := newTestServer(t, &fakeSource{}, nil, nil)
	router := s.Router()

	w, _ := doJSON(t, router, http.MethodGet, "/analyze?chatId=16692819325", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any analysis", w.Code)
	}

	if err := st.UpsertContact("16692819325", "16692819325", store.ContactFields{SenderName: strp("Sam Rivera")}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateAIAnalysis("16692819325", &types.ConversationAnalysis{Sentiment: "warm", PositivityScore: 42}); err != nil {
		t.Fatal(err)
	}

	w, body := doJSON(t, router, http.MethodGet, "/analyze?chatId=%2B1%20%28669%29%20281-9325", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}
	analysis := body["analysis"].(map[string]any)
	if analysis["sentiment"] != "warm" {
		t.Fatalf("analysis = %v", analysis)
	}
	info := body["contactInfo"].(map[string]any)
	if info["name"] != "Sam Rivera" {
		t.Fatalf("contactInfo = %v", info)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	source := &fakeSource{messages: []types.Message{
		{ID: "m1", Text: strp("hello"), Sender: "16692819325", ChatID: "16692819325", Date: time.Now()},
	}}
	analyzer := &fakeAnalyzer{analysis: &types.ConversationAnalysis{Sentiment: "neutral"}}
	s, _ := newTestServer(t, source, analyzer, nil)
	router := s.Router()

	w, body := doJSON(t, router, http.MethodPost, "/analyze", `{"chatId":"16692819325"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if analyzer.lastChatID != "16692819325" || analyzer.lastMsgsLen != 1 {
		t.Fatalf("analyzer called with %q/%d", analyzer.lastChatID, analyzer.lastMsgsLen)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/analyze", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without chatId", w.Code)
	}
}

func TestContactInfo(t *testing.T) {
	lookup := fakeLookup{"16692819325": {Name: "Sam Rivera", Organization: strp("Acme")}}
	s, _ := newTestServer(t, &fakeSource{}, nil, lookup)
	router := s.Router()

	w, _ := doJSON(t, router, http.MethodGet, "/contact-info", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	w, _ = doJSON(t, router, http.MethodGet, "/contact-info?identifier=unknown", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}

	w, body := doJSON(t, router, http.MethodGet, "/contact-info?identifier=16692819325", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["name"] != "Sam Rivera" || body["organization"] != "Acme" {
		t.Fatalf("body = %v", body)
	}
}

func TestUserNotes(t *testing.T) {
	s, st := newTestServer(t, &fakeSource{}, nil, nil)
	router := s.Router()

	if err := st.UpsertContact("16692819325", "16692819325", store.ContactFields{}); err != nil {
		t.Fatal(err)
	}

	w, _ := doJSON(t, router, http.MethodPost, "/user-notes", `{"chatId":"16692819325"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without notes", w.Code)
	}

	w, body := doJSON(t, router, http.MethodPost, "/user-notes", `{"chatId":"16692819325","notes":"met at the conference"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}

	conv, err := st.GetConversation("16692819325")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.UserNotes == nil || *conv.UserNotes != "met at the conference" {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestConversationsGroupingAndCache(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	source := &fakeSource{messages: []types.Message{
		{ID: "m1", Text: strp("old"), Sender: "16692819325", ChatID: "16692819325", Date: now.Add(-2 * time.Hour)},
		{ID: "m2", Text: strp("newer"), Sender: "16692819325", ChatID: "16692819325", Date: now.Add(-time.Hour)},
		{ID: "m3", Text: strp("unread"), Sender: "sam@example.com", ChatID: "sam@example.com", Date: now},
	}}
	lookup := fakeLookup{"16692819325": {Name: "Sam Rivera"}}
	s, st := newTestServer(t, source, nil, lookup)
	router := s.Router()

	if err := st.UpsertContact("16692819325", "16692819325", store.ContactFields{}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateAIAnalysis("16692819325", &types.ConversationAnalysis{Sentiment: "warm"}); err != nil {
		t.Fatal(err)
	}

	w, body := doJSON(t, router, http.MethodGet, "/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}
	convs := body["conversations"].([]any)
	if len(convs) != 2 {
		t.Fatalf("len(conversations) = %d, want 2", len(convs))
	}

	first := convs[0].(map[string]any)
	if first["chatId"] != "sam@example.com" {
		t.Fatalf("first conversation = %v, want most recent first", first)
	}
	if int(first["unreadCount"].(float64)) != 1 {
		t.Fatalf("unreadCount = %v", first["unreadCount"])
	}

	second := convs[1].(map[string]any)
	if second["senderName"] != "Sam Rivera" {
		t.Fatalf("senderName = %v, want directory enrichment", second["senderName"])
	}
	if second["lastMessage"].(map[string]any)["text"] != "newer" {
		t.Fatalf("lastMessage = %v", second["lastMessage"])
	}
	if second["analysis"].(map[string]any)["sentiment"] != "warm" {
		t.Fatalf("analysis = %v", second["analysis"])
	}

	// Cached: new source traffic is invisible until invalidation.
	source.messages = append(source.messages, types.Message{
		ID: "m4", Text: strp("brand new"), Sender: "new@example.com", ChatID: "new@example.com", Date: now.Add(time.Minute),
	})
	_, body = doJSON(t, router, http.MethodGet, "/conversations", "")
	if got := len(body["conversations"].([]any)); got != 2 {
		t.Fatalf("cached len = %d, want 2", got)
	}

	s.InvalidateConversations()
	_, body = doJSON(t, router, http.MethodGet, "/conversations", "")
	if got := len(body["conversations"].([]any)); got != 3 {
		t.Fatalf("refreshed len = %d, want 3", got)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	now := time.Now()
	source := &fakeSource{messages: []types.Message{
		{ID: "m1", Text: strp("thanks!"), Sender: "16692819325", Date: now.Add(-time.Hour)},
		{ID: "m2", Text: strp("ok"), Sender: "16692819325", Date: now, IsFromMe: true},
		{ID: "m3", Text: strp("stale"), Sender: "old@example.com", Date: now.AddDate(0, 0, -30)},
	}}
	s, _ := newTestServer(t, source, nil, nil)

	w, body := doJSON(t, s.Router(), http.MethodGet, "/analytics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if int(body["messagesSent"].(float64)) != 1 {
		t.Fatalf("messagesSent = %v", body["messagesSent"])
	}
	// The month-old message falls outside the one-week window.
	if int(body["activeContacts"].(float64)) != 1 {
		t.Fatalf("activeContacts = %v", body["activeContacts"])
	}
}

func TestWellnessEndpoints(t *testing.T) {
	analyzer := &fakeAnalyzer{wellness: &types.GeneralWellnessAnalysis{WellnessScore: 71}}
	s, st := newTestServer(t, &fakeSource{}, analyzer, nil)
	router := s.Router()

	w, _ := doJSON(t, router, http.MethodGet, "/wellness", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any evaluation", w.Code)
	}

	w, body := doJSON(t, router, http.MethodPost, "/wellness", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}

	if err := st.UpsertWellnessEvaluation(analyzer.wellness); err != nil {
		t.Fatal(err)
	}
	w, body = doJSON(t, router, http.MethodGet, "/wellness", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if int(body["wellnessScore"].(float64)) != 71 {
		t.Fatalf("wellnessScore = %v", body["wellnessScore"])
	}
}
