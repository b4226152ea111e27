package httpapi

import (
	"errors"
	"net/http"

	"kennelworks.org/internal/mfa"
)

// handleMFAChallenge starts a verification round for the caller. The
// challenge stands in for the TOTP/WebAuthn ceremony the clients drive.
func (a *API) handleMFAChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	challenge, err := a.guard.BeginChallenge(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"challenge": challenge,
	})
}

type verifyMFARequest struct {
	Challenge string `json:"challenge"`
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req verifyMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.guard.CompleteChallenge(r.Context(), actor.UserID, req.Challenge); err != nil {
		if errors.Is(err, mfa.ErrChallengeNotFound) {
			writeError(w, http.StatusUnauthorized, "challenge expired or unknown")
			return
		}
		writeError(w, http.StatusUnauthorized, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
