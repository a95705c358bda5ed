package devbackend

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"notibell/internal/model"
)

type tokenRequest struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name"`
}

type tokenResponse struct {
	AccessToken string     `json:"accessToken"`
	User        model.User `json:"user"`
}

func (s *Server) handleIssueToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "email is required")
			return
		}
		u, err := s.db.EnsureUser(c.Request.Context(), req.Email, req.Name)
		if err != nil {
			failErr(c, err)
			return
		}
		tok, err := IssueToken(s.cfg.Secret, u, s.cfg.TokenTTL)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusCreated, tokenResponse{AccessToken: tok, User: u})
	}
}

func (s *Server) handleAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := s.db.UserByID(c.Request.Context(), c.GetInt64(ctxUserID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				fail(c, http.StatusUnauthorized, "unknown user")
				return
			}
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, model.Account{User: u})
	}
}

func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.db.Notifications(c.Request.Context(), c.GetInt64(ctxUserID))
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid id")
			return
		}
		if err := s.db.MarkRead(c.Request.Context(), c.GetInt64(ctxUserID), id); err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, nil)
	}
}

type resumeRequest struct {
	URL     string `json:"url" binding:"required"`
	JobName string `json:"jobName"`
}

func (s *Server) handleSubmitResume() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "url is required")
			return
		}
		r, err := s.db.AddResume(c.Request.Context(), c.GetInt64(ctxUserID), req.URL, req.JobName)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusCreated, r)
	}
}

func (s *Server) handleListResumes() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.db.Resumes(c.Request.Context(), c.GetInt64(ctxUserID))
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

var resumeStatuses = map[string]bool{
	model.ResumePending:   true,
	model.ResumeReviewing: true,
	model.ResumeApproved:  true,
	model.ResumeRejected:  true,
}

// handleResumeStatus is the reviewer action: it updates the resume, records a
// notification for its owner and pushes RESUME_UPDATE.
func (s *Server) handleResumeStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid id")
			return
		}
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil || !resumeStatuses[strings.ToUpper(req.Status)] {
			fail(c, http.StatusBadRequest, "status must be one of PENDING, REVIEWING, APPROVED, REJECTED")
			return
		}
		ctx := c.Request.Context()
		r, owner, err := s.db.SetResumeStatus(ctx, id, strings.ToUpper(req.Status))
		if err != nil {
			failErr(c, err)
			return
		}
		u, err := s.db.UserByID(ctx, owner)
		if err != nil {
			failErr(c, err)
			return
		}
		title := "Resume " + strings.ToLower(r.Status)
		content := "Your resume"
		if r.JobName != "" {
			content += " for " + r.JobName
		}
		content += " is now " + strings.ToLower(r.Status) + "."
		if _, err := s.notifyUser(ctx, u, title, content, model.TypeResumeUpdate); err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, r)
	}
}

type notifyRequest struct {
	Email   string `json:"email" binding:"required"`
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (s *Server) handleNotify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "email and title are required")
			return
		}
		n, err := s.Notify(c.Request.Context(), req.Email, req.Title, req.Content, req.Type)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusCreated, n)
	}
}
