// Package api exposes the operator surface over HTTP: account linking and sync control,
// the approval queue, message content, maintenance and health.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/service"
)

type AccountAPI interface {
	Link(ctx context.Context, userID string, req service.LinkRequest) (*models.MailboxAccount, error)
	Disconnect(ctx context.Context, accountID, userID string) error
	List(ctx context.Context, userID string) ([]models.MailboxAccount, error)
	TriggerSync(ctx context.Context, accountID, userID string) error
}

type ApprovalAPI interface {
	Approve(ctx context.Context, approvalID, userID string, edits *models.ApprovalEdits) (*models.Approval, *models.LedgerEntry, error)
	Reject(ctx context.Context, approvalID, userID string) (*models.Approval, error)
	Get(ctx context.Context, approvalID, userID string) (*models.Approval, error)
	List(ctx context.Context, userID string, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error)
	SubmitOCR(ctx context.Context, userID string, sub service.OCRSubmission) (*models.Approval, error)
}

type MessageAPI interface {
	Content(ctx context.Context, messageID, userID string) (*models.Message, *service.MessageContent, error)
}

type MaintenanceAPI interface {
	Sweep(ctx context.Context) (*service.SweepResult, error)
}

type StatsAPI interface {
	Snapshot(ctx context.Context) (*service.Stats, error)
}

// Deps are the collaborators of the HTTP server. Health checks are readiness checks keyed by name.
type Deps struct {
	Accounts     AccountAPI
	Approvals    ApprovalAPI
	Messages     MessageAPI
	Maintenance  MaintenanceAPI
	Stats        StatsAPI
	Auth         *Authenticator
	HealthChecks map[string]healthcheck.Check
	Logger       *zap.Logger
}

type Server struct {
	accounts    AccountAPI
	approvals   ApprovalAPI
	messages    MessageAPI
	maintenance MaintenanceAPI
	stats       StatsAPI
	auth        *Authenticator
	health      healthcheck.Handler
	logger      *zap.Logger
}

func NewServer(deps Deps) *Server {
	health := healthcheck.NewHandler()
	for name, check := range deps.HealthChecks {
		health.AddReadinessCheck(name, check)
	}
	return &Server{
		accounts:    deps.Accounts,
		approvals:   deps.Approvals,
		messages:    deps.Messages,
		maintenance: deps.Maintenance,
		stats:       deps.Stats,
		auth:        deps.Auth,
		health:      health,
		logger:      deps.Logger,
	}
}

// Router builds the gin engine with every route mounted
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", gin.WrapF(s.health.LiveEndpoint))
	r.GET("/readyz", gin.WrapF(s.health.ReadyEndpoint))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1", s.auth.RequireAuth())

	v1.GET("/accounts", s.listAccounts)
	v1.POST("/accounts", s.linkAccount)
	v1.DELETE("/accounts/:id", s.disconnectAccount)
	v1.POST("/accounts/:id/sync", s.triggerSync)

	v1.GET("/approvals", s.listApprovals)
	v1.POST("/approvals", s.submitOCR)
	v1.GET("/approvals/:id", s.getApproval)
	v1.POST("/approvals/:id/approve", s.approve)
	v1.POST("/approvals/:id/reject", s.reject)

	v1.GET("/messages/:id/content", s.messageContent)

	v1.POST("/maintenance/cleanup", s.cleanup)
	v1.GET("/stats", s.getStats)

	return r
}

// requestLogger logs each request at a level chosen by status and records its duration
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(status), duration)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("ip", c.ClientIP()),
		}
		if userID := currentUser(c); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}

		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("server error", fields...)
		case status >= http.StatusBadRequest:
			s.logger.Warn("client error", fields...)
		default:
			s.logger.Debug("request", fields...)
		}
	}
}
