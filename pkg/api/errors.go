package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"devpulse/pkg/github"
	"devpulse/pkg/ingest"
	"devpulse/pkg/install"
	"devpulse/pkg/statetoken"
	"devpulse/pkg/syncer"
	"devpulse/pkg/vault"

	"golang.org/x/oauth2"
)

// errorBody is the envelope every error response uses. Kind is stable and
// machine-readable; Message is for humans.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError maps an error to its HTTP status and stable kind. Unmapped
// errors become an opaque 500; the real cause goes to the log only.
func respondError(w http.ResponseWriter, logger *log.Logger, err error) {
	var (
		authErr     *github.AuthError
		notFound    *github.NotFoundError
		rateErr     *github.RateLimitError
		apiErr      *github.APIError
		cryptoErr   *vault.CryptoError
		retrieveErr *oauth2.RetrieveError
	)
	switch {
	case errors.Is(err, install.ErrNotTeamMember):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, statetoken.ErrExpired):
		writeError(w, http.StatusBadRequest, "expired_state", "authorization expired, restart the flow")
	case errors.Is(err, statetoken.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid_state", "authorization state is invalid, restart the flow")
	case errors.Is(err, syncer.ErrNotOwned):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, syncer.ErrRepositoryMismatch):
		writeError(w, http.StatusBadRequest, "repository_mismatch", err.Error())
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case errors.Is(err, ingest.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, "bad_signature", "webhook signature verification failed")
	case errors.Is(err, ingest.ErrMalformedPayload), errors.Is(err, ingest.ErrMissingDelivery):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, "auth_error", authErr.Error())
	case errors.As(err, &retrieveErr):
		// A failed code exchange means the caller's grant is bad, not us.
		writeError(w, http.StatusBadRequest, "auth_error", "authorization code exchange failed")
	case errors.As(err, &rateErr):
		writeError(w, http.StatusTooManyRequests, "rate_limited", rateErr.Error())
	case errors.As(err, &cryptoErr), errors.Is(err, vault.ErrNoKey):
		if logger != nil {
			logger.Printf("crypto failure: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "crypto_error", "stored credential could not be read")
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, "upstream_error", apiErr.Error())
	default:
		if logger != nil {
			logger.Printf("internal error: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
