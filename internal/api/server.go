// Package api exposes the operational HTTP surface: health, metrics, mailbox
// inspection, and manual sync triggers.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/materializer"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/sync"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

type mailboxStore interface {
	ListActive(ctx context.Context) ([]*models.MailboxConnection, error)
	GetByID(ctx context.Context, id int64) (*models.MailboxConnection, error)
}

type commentStore interface {
	GetByID(ctx context.Context, id int64) (*models.Comment, error)
}

type syncRunner interface {
	SyncMailbox(ctx context.Context, mailbox *models.MailboxConnection) (*sync.Summary, error)
}

type contentResolver interface {
	Effective(ctx context.Context, stored string) (string, error)
}

// Server serves the operational API.
type Server struct {
	db        *sql.DB
	mailboxes mailboxStore
	comments  commentStore
	syncer    syncRunner
	content   contentResolver
	logger    *log.Logger
	router    *gin.Engine
}

// Option customizes a Server.
type Option func(*Server)

// NewServer builds the router. db may be nil in tests; the health endpoint
// then skips the database probe.
func NewServer(db *sql.DB, mailboxes mailboxStore, comments commentStore, syncer syncRunner, content contentResolver, opts ...Option) *Server {
	s := &Server{
		db:        db,
		mailboxes: mailboxes,
		comments:  comments,
		syncer:    syncer,
		content:   content,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.buildRouter()
	return s
}

// WithServerLogger overrides the logger.
func WithServerLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/mailboxes", s.handleMailboxList)
		v1.POST("/mailboxes/:id/sync", s.handleMailboxSync)
		v1.GET("/comments/:id/content", s.handleCommentContent)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMailboxList(c *gin.Context) {
	mailboxes, err := s.mailboxes.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing mailboxes failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mailboxes": mailboxes})
}

func (s *Server) handleMailboxSync(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mailbox id"})
		return
	}
	mailbox, err := s.mailboxes.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading mailbox failed"})
		return
	}
	if mailbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mailbox not found"})
		return
	}

	summary, err := s.syncer.SyncMailbox(c.Request.Context(), mailbox)
	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
	case errors.Is(err, sync.ErrCredentialUnusable):
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox needs re-authentication"})
	case err != nil:
		s.logger.Printf("api: manual sync of mailbox %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"listed":    summary.Listed,
			"processed": summary.Processed,
			"skipped":   summary.Skipped,
			"failed":    summary.Failed,
		})
	}
}

// handleCommentContent returns displayable comment HTML with the offload
// pointer dereferenced and the original-sender marker split out.
func (s *Server) handleCommentContent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid comment id"})
		return
	}
	comment, err := s.comments.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading comment failed"})
		return
	}
	if comment == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
		return
	}

	body, err := s.content.Effective(c.Request.Context(), comment.Content)
	if err != nil {
		s.logger.Printf("api: resolve content for comment %d: %v", id, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "resolving comment content failed"})
		return
	}

	resp := gin.H{"content": body}
	if sender, remainder, ok := materializer.ParseSenderMarker(body); ok {
		resp["content"] = remainder
		resp["original_sender"] = gin.H{"name": sender.Name, "address": sender.Address}
	}
	c.JSON(http.StatusOK, resp)
}
