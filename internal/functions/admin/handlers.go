// Package admin serves probe and operator endpoints.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/push"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

const maxInboxBody = 64 * 1024

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EntitlementReader loads a user's entitlement record.
type EntitlementReader interface {
	GetEntitlement(ctx context.Context, userID string) (*store.Entitlement, error)
}

// InboxDeliverer delivers an inbox message to a user.
type InboxDeliverer interface {
	Deliver(ctx context.Context, userID string, msg store.InboxMessage) (*push.DeliverResult, error)
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if p == nil || p.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus reports the running version.
func HandleStatus(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	}
}

// HandleGetEntitlement returns the entitlement record for the {uid} path value.
func HandleGetEntitlement(reader EntitlementReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		uid := strings.TrimSpace(r.PathValue("uid"))
		if uid == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user id"})
			return
		}

		ent, err := reader.GetEntitlement(r.Context(), uid)
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("Admin entitlement lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

// HandleDeliverInbox creates an inbox message for the {uid} path value and
// notifies the user's devices.
func HandleDeliverInbox(inbox InboxDeliverer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		uid := strings.TrimSpace(r.PathValue("uid"))
		if uid == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user id"})
			return
		}

		var msg store.InboxMessage
		r.Body = http.MaxBytesReader(w, r.Body, maxInboxBody)
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		res, err := inbox.Deliver(r.Context(), uid, msg)
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("Admin inbox delivery failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		status := http.StatusCreated
		if !res.Created {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
