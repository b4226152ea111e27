package httpapi

import (
	"errors"
	"net/http"
	"time"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/mfa"
	"kennelworks.org/internal/override"
)

type issueOverrideRequest struct {
	Scope            string `json:"scope"`
	IssuedToUserID   string `json:"issuedToUserId,omitempty"`
	ExpiresInMinutes int    `json:"expiresInMinutes,omitempty"`
}

// handleIssueOverrideToken mints a bypass token. Only owners and admins may
// issue, and issuance itself is a high-risk action behind fresh MFA.
func (a *API) handleIssueOverrideToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.Elevated() {
		writeError(w, http.StatusForbidden, "Insufficient permissions")
		return
	}
	if !a.requireMFA(w, r, actor, mfa.ClassHigh) {
		return
	}

	var req issueOverrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	issued, err := a.tokens.Issue(r.Context(), actor.UserID, authz.Scope(req.Scope), override.IssueOptions{
		IssuedToUserID: req.IssuedToUserID,
		ExpiresIn:      time.Duration(req.ExpiresInMinutes) * time.Minute,
	})
	if err != nil {
		if errors.Is(err, override.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"token":     issued.Token,
		"scope":     issued.Scope,
		"expiresAt": issued.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type revokeOverrideRequest struct {
	Token string `json:"token"`
}

func (a *API) handleRevokeOverrideToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.Elevated() {
		writeError(w, http.StatusForbidden, "Insufficient permissions")
		return
	}
	if !a.requireMFA(w, r, actor, mfa.ClassHigh) {
		return
	}

	var req revokeOverrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.tokens.Revoke(r.Context(), req.Token, actor.UserID); err != nil {
		if errors.Is(err, override.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Entity not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
