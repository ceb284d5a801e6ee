package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/auth"
	"github.com/fruitsalade/pantry/internal/links"
	"github.com/fruitsalade/pantry/internal/share"
	"github.com/fruitsalade/pantry/pkg/models"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

func (s *Server) shareResponse(r *http.Request, sh *models.ShareRecord) protocol.ShareLinkResponse {
	return protocol.ShareLinkResponse{
		Token:        sh.Token,
		FileKey:      sh.FileKey,
		URL:          links.Absolute(s.baseURL(r), links.SharePath(sh.Token)),
		HasPassword:  sh.HasPassword(),
		ExpiresAt:    sh.ExpiresAt,
		MaxViews:     sh.MaxViews,
		Views:        sh.Views,
		Active:       sh.Active,
		CreatedAt:    sh.CreatedAt,
		LastAccessAt: sh.LastAccessAt,
	}
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	shares, err := s.Shares.ListByOwner(r.Context(), claims.UserID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	resp := protocol.ShareListResponse{Shares: make([]protocol.ShareLinkResponse, 0, len(shares))}
	for _, sh := range shares {
		resp.Shares = append(resp.Shares, s.shareResponse(r, sh))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req protocol.ShareLinkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, r, apperr.Validation(apperr.CodeValidation, "invalid request body: %v", err))
		return
	}

	sh, err := s.Shares.Create(r.Context(), claims.UserID, share.CreateRequest{
		FileKey:      req.FileKey,
		Password:     req.Password,
		ExpiresInSec: req.ExpiresInSec,
		MaxViews:     req.MaxViews,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, s.shareResponse(r, sh))
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	sh, err := s.Shares.Revoke(r.Context(), claims.UserID, claims.IsAdmin, chi.URLParam(r, "token"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.shareResponse(r, sh))
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	q, err := s.Ledger.Snapshot(r.Context(), claims.UserID)
	if err != nil {
		s.sendError(w, r, apperr.Internal(err, "load quota"))
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.QuotaResponse{
		UserID:    claims.UserID,
		Used:      q.Used,
		Total:     q.Total,
		Remaining: q.Remaining(),
	})
}
