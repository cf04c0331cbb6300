package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/analytics"
	"github.com/AJCubed/tether/internal/identity"
	"github.com/AJCubed/tether/internal/imessage"
	"github.com/AJCubed/tether/internal/store"
	"github.com/AJCubed/tether/internal/types"
)

const (
	conversationSample = 1000
	conversationLimit  = 10
	messagesWindow     = 14 * 24 * time.Hour
	analyzeWindow      = 50
)

// LastMessage is the newest message of a conversation, trimmed for the list.
type LastMessage struct {
	Text     *string `json:"text"`
	Date     string  `json:"date"`
	IsFromMe bool    `json:"isFromMe"`
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ChatID      string                      `json:"chatId"`
	Sender      string                      `json:"sender"`
	SenderName  *string                     `json:"senderName"`
	LastMessage LastMessage                 `json:"lastMessage"`
	UnreadCount int                         `json:"unreadCount"`
	Analysis    *types.ConversationAnalysis `json:"analysis,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleConversations(c *gin.Context) {
	s.mu.Lock()
	if s.convValid {
		cached := s.convCache
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"conversations": cached})
		return
	}
	s.mu.Unlock()

	convs, err := s.buildConversations(c.Request.Context())
	if err != nil {
		s.log.Error("failed to list conversations", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}

	s.mu.Lock()
	s.convCache = convs
	s.convValid = true
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) buildConversations(ctx context.Context) ([]Conversation, error) {
	msgs, err := s.source.GetMessages(ctx, imessage.Filter{Limit: conversationSample})
	if err != nil {
		return nil, err
	}

	grouped := map[string]*Conversation{}
	var order []string
	latest := map[string]time.Time{}
	for _, m := range msgs {
		key := m.ChatID
		if key == "" {
			key = m.Sender
		}
		conv := grouped[key]
		if conv == nil {
			conv = &Conversation{
				ChatID:     m.ChatID,
				Sender:     m.Sender,
				SenderName: m.SenderName,
				LastMessage: LastMessage{
					Text:     m.Text,
					Date:     m.Date.UTC().Format(time.RFC3339),
					IsFromMe: m.IsFromMe,
				},
			}
			grouped[key] = conv
			order = append(order, key)
			latest[key] = m.Date
		}
		if m.Date.After(latest[key]) {
			latest[key] = m.Date
			conv.LastMessage = LastMessage{
				Text:     m.Text,
				Date:     m.Date.UTC().Format(time.RFC3339),
				IsFromMe: m.IsFromMe,
			}
			if m.SenderName != nil {
				conv.SenderName = m.SenderName
			}
		}
		if !m.IsRead && !m.IsFromMe {
			conv.UnreadCount++
		}
	}

	sort.Slice(order, func(i, j int) bool { return latest[order[i]].After(latest[order[j]]) })
	if len(order) > conversationLimit {
		order = order[:conversationLimit]
	}

	convs := make([]Conversation, 0, len(order))
	ids := make([]string, 0, len(order))
	for _, key := range order {
		conv := grouped[key]
		// Contact directory lookup is non-blocking; before the directory
		// finishes loading we simply show the raw identifier.
		if conv.SenderName == nil && s.contacts != nil {
			if info := s.contacts.Lookup(conv.Sender); info != nil && info.Name != "" {
				name := info.Name
				conv.SenderName = &name
			}
		}
		convs = append(convs, *conv)
		id := conv.ChatID
		if id == "" {
			id = conv.Sender
		}
		ids = append(ids, id)
	}

	analyses, err := s.store.GetConversationAnalyses(ids)
	if err != nil {
		s.log.Warn("failed to load stored analyses", zap.Error(err))
		return convs, nil
	}
	for i := range convs {
		convs[i].Analysis = analyses[identity.Normalize(ids[i])]
	}
	return convs, nil
}

func (s *Server) handleGetMessages(c *gin.Context) {
	chatID := c.Query("chatId")
	sender := c.Query("sender")
	if chatID == "" && sender == "" {
		respondError(c, http.StatusBadRequest, "chatId or sender parameter is required")
		return
	}

	since := time.Now().Add(-messagesWindow)
	filter := imessage.Filter{Since: &since, Limit: 100}
	if chatID != "" {
		filter.ChatID = chatID
	} else {
		filter.Sender = sender
	}
	if err := filter.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := s.source.GetMessages(c.Request.Context(), filter)
	if err != nil {
		s.log.Error("failed to fetch messages", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	identifier := chatID
	if identifier == "" {
		identifier = sender
	}
	var chatPtr *string
	if chatID != "" {
		chatPtr = &chatID
	}
	stored, err := s.store.GetSentMessages(chatPtr, identity.Normalize(identifier), since)
	if err != nil {
		s.log.Warn("failed to read sent-message journal", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"messages": mergeSentJournal(msgs, stored)})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	recipient := c.Query("recipient")
	text := c.Query("message")
	if recipient == "" || text == "" {
		respondError(c, http.StatusBadRequest, "recipient and message parameters are required")
		return
	}

	ctx := c.Request.Context()
	if err := s.source.Send(ctx, recipient, text); err != nil {
		s.log.Error("failed to send message", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to send message")
		return
	}

	// Best effort: discover the chat id from recent traffic so the journal
	// entry can be matched by chat as well as by sender.
	var chatPtr *string
	recent, err := s.source.GetMessages(ctx, imessage.Filter{Sender: recipient, Limit: 1})
	if err == nil && len(recent) > 0 && recent[0].ChatID != "" {
		chatPtr = &recent[0].ChatID
	}

	if err := s.store.RecordSentMessage(chatPtr, recipient, text, time.Now()); err != nil {
		s.log.Warn("failed to journal sent message", zap.Error(err))
	}
	s.InvalidateConversations()

	c.JSON(http.StatusOK, gin.H{"message": "Message sent successfully"})
}

func (s *Server) handleGetAnalysis(c *gin.Context) {
	chatID := c.Query("chatId")
	if chatID == "" {
		respondError(c, http.StatusBadRequest, "chatId is required")
		return
	}

	conv, err := s.store.GetConversation(chatID)
	if err != nil {
		s.log.Error("failed to read conversation", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to retrieve analysis")
		return
	}
	if conv == nil || conv.AIAnalysis == nil {
		respondError(c, http.StatusNotFound, "no analysis found for this conversation")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"analysis":  conv.AIAnalysis,
		"userNotes": conv.UserNotes,
		"contactInfo": gin.H{
			"name":         conv.SenderName,
			"birthday":     conv.Birthday,
			"organization": conv.Organization,
			"jobTitle":     conv.JobTitle,
		},
	})
}

type analyzeRequest struct {
	ChatID string `json:"chatId"`
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == "" {
		respondError(c, http.StatusBadRequest, "chatId is required")
		return
	}

	ctx := c.Request.Context()
	msgs, err := s.source.GetMessages(ctx, imessage.Filter{ChatID: req.ChatID, Limit: analyzeWindow})
	if err != nil {
		s.log.Error("failed to fetch messages for analysis", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to analyze conversation")
		return
	}

	result, err := s.analyzer.Analyze(ctx, req.ChatID, msgs)
	if err != nil {
		s.log.Error("analysis failed", zap.String("chat_id", req.ChatID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to analyze conversation")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": result})
}

func (s *Server) handleAnalytics(c *gin.Context) {
	since := analytics.Window(time.Now())
	msgs, err := s.source.GetMessages(c.Request.Context(), imessage.Filter{Since: &since, Limit: conversationSample})
	if err != nil {
		s.log.Error("failed to fetch messages for analytics", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to fetch analytics")
		return
	}
	c.JSON(http.StatusOK, analytics.Compute(msgs))
}

func (s *Server) handleContactInfo(c *gin.Context) {
	identifier := c.Query("identifier")
	if identifier == "" {
		respondError(c, http.StatusBadRequest, "Missing identifier parameter")
		return
	}
	if s.contacts == nil {
		respondError(c, http.StatusNotFound, "Contact not found")
		return
	}
	info := s.contacts.Lookup(identifier)
	if info == nil {
		respondError(c, http.StatusNotFound, "Contact not found")
		return
	}
	c.JSON(http.StatusOK, info)
}

type userNotesRequest struct {
	ChatID string  `json:"chatId"`
	Notes  *string `json:"notes"`
}

func (s *Server) handleUserNotes(c *gin.Context) {
	var req userNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == "" {
		respondError(c, http.StatusBadRequest, "chatId is required")
		return
	}
	if req.Notes == nil {
		respondError(c, http.StatusBadRequest, "notes must be a string")
		return
	}

	if err := s.store.UpdateUserNotes(req.ChatID, *req.Notes); err != nil {
		s.log.Error("failed to update user notes", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to update user notes")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User notes updated successfully"})
}

func (s *Server) handleGetWellness(c *gin.Context) {
	eval, err := s.store.TodayWellnessEvaluation()
	if err != nil {
		s.log.Error("failed to read wellness evaluation", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to retrieve wellness evaluation")
		return
	}
	if eval == nil {
		respondError(c, http.StatusNotFound, "no wellness evaluation for today")
		return
	}
	c.JSON(http.StatusOK, eval)
}

func (s *Server) handleRunWellness(c *gin.Context) {
	result, err := s.analyzer.AnalyzeGeneralWellness(c.Request.Context())
	if err != nil {
		s.log.Error("wellness analysis failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to analyze wellness")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": result})
}

// mergeSentJournal folds journaled sends into the source's view of a
// conversation. Attachment-style rows where the source lost the text are
// backfilled from a journal entry within five seconds; journal entries the
// source never surfaced are appended. The result is ordered oldest first.
func mergeSentJournal(msgs []types.Message, stored []store.SentMessage) []types.Message {
	const window = 5 * time.Second

	merged := make([]types.Message, len(msgs))
	copy(merged, msgs)

	for i := range merged {
		m := &merged[i]
		if m.Text != nil || !m.IsFromMe {
			continue
		}
		for _, sm := range stored {
			if absDuration(m.Date.Sub(sm.Date)) < window {
				text := sm.Text
				m.Text = &text
				break
			}
		}
	}

	for _, sm := range stored {
		matched := false
		for _, m := range merged {
			if m.IsFromMe && absDuration(m.Date.Sub(sm.Date)) < window {
				matched = true
				break
			}
		}
		if !matched {
			merged = append(merged, sm.AsMessage())
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })
	return merged
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
