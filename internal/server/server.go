// Package server exposes the dashboard HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/contacts"
	"github.com/AJCubed/tether/internal/imessage"
	"github.com/AJCubed/tether/internal/store"
	"github.com/AJCubed/tether/internal/types"
)

// Analyzer produces conversation and wellness analyses.
type Analyzer interface {
	Analyze(ctx context.Context, chatID string, messages []types.Message) (*types.ConversationAnalysis, error)
	AnalyzeGeneralWellness(ctx context.Context) (*types.GeneralWellnessAnalysis, error)
}

// ContactLookup resolves an identifier to contact metadata. A nil result
// means not found, or the directory has not finished loading yet.
type ContactLookup interface {
	Lookup(identifier string) *contacts.ContactInfo
}

// Server wires the message source, conversation store, contact directory
// and analyzer behind the HTTP surface.
type Server struct {
	source   imessage.Source
	store    *store.Store
	contacts ContactLookup
	analyzer Analyzer
	log      *zap.Logger

	mu        sync.Mutex
	convCache []Conversation
	convValid bool
}

// New creates a Server. All dependencies are required except contacts and
// analyzer, which may be nil when the corresponding routes are unused.
func New(source imessage.Source, st *store.Store, lookup ContactLookup, analyzer Analyzer, log *zap.Logger) *Server {
	return &Server{
		source:   source,
		store:    st,
		contacts: lookup,
		analyzer: analyzer,
		log:      log,
	}
}

// InvalidateConversations drops the cached conversation list. The chat.db
// watcher calls this on change so the next GET /conversations recomputes.
func (s *Server) InvalidateConversations() {
	s.mu.Lock()
	s.convValid = false
	s.mu.Unlock()
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/conversations", s.handleConversations)
	r.GET("/messages", s.handleGetMessages)
	r.POST("/messages", s.handleSendMessage)
	r.GET("/analyze", s.handleGetAnalysis)
	r.POST("/analyze", s.handleAnalyze)
	r.GET("/analytics", s.handleAnalytics)
	r.GET("/contact-info", s.handleContactInfo)
	r.POST("/user-notes", s.handleUserNotes)
	r.GET("/wellness", s.handleGetWellness)
	r.POST("/wellness", s.handleRunWellness)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
