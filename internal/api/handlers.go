package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/service"
)

type linkAccountRequest struct {
	Address      string    `json:"address" binding:"required"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token" binding:"required"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

type submitOCRRequest struct {
	Candidate  models.ExtractionCandidate `json:"candidate"`
	Confidence float64                    `json:"confidence"`
	Sender     string                     `json:"sender"`
	Subject    string                     `json:"subject"`
}

type messageContentResponse struct {
	Message *models.Message         `json:"message"`
	Content *service.MessageContent `json:"content"`
}

type approveResponse struct {
	Approval    *models.Approval    `json:"approval"`
	LedgerEntry *models.LedgerEntry `json:"ledger_entry"`
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.accounts.List(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) linkAccount(c *gin.Context) {
	var req linkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := s.accounts.Link(c.Request.Context(), currentUser(c), service.LinkRequest{
		Address:      req.Address,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Expiry:       req.Expiry,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) disconnectAccount(c *gin.Context) {
	if err := s.accounts.Disconnect(c.Request.Context(), c.Param("id"), currentUser(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) triggerSync(c *gin.Context) {
	if err := s.accounts.TriggerSync(c.Request.Context(), c.Param("id"), currentUser(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) listApprovals(c *gin.Context) {
	var status *models.ApprovalStatus
	if raw := c.Query("status"); raw != "" {
		parsed, ok := models.ParseApprovalStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be PENDING, APPROVED or REJECTED"})
			return
		}
		status = &parsed
	}

	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	approvals, err := s.approvals.List(c.Request.Context(), currentUser(c), status, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

func (s *Server) submitOCR(c *gin.Context) {
	var req submitOCRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	approval, err := s.approvals.SubmitOCR(c.Request.Context(), currentUser(c), service.OCRSubmission{
		Candidate:  req.Candidate,
		Confidence: req.Confidence,
		Sender:     req.Sender,
		Subject:    req.Subject,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, approval)
}

func (s *Server) getApproval(c *gin.Context) {
	approval, err := s.approvals.Get(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// approve accepts an optional edits body; an empty body approves the extracted values as-is
func (s *Server) approve(c *gin.Context) {
	var edits *models.ApprovalEdits
	var body models.ApprovalEdits
	if err := c.ShouldBindJSON(&body); err != nil {
		if !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		edits = &body
	}

	approval, entry, err := s.approvals.Approve(c.Request.Context(), c.Param("id"), currentUser(c), edits)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approveResponse{Approval: approval, LedgerEntry: entry})
}

func (s *Server) reject(c *gin.Context) {
	approval, err := s.approvals.Reject(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

func (s *Server) messageContent(c *gin.Context) {
	msg, content, err := s.messages.Content(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageContentResponse{Message: msg, Content: content})
}

func (s *Server) cleanup(c *gin.Context) {
	result, err := s.maintenance.Sweep(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.stats.Snapshot(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
