package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pixelyodha/miracle/pkg/auth"
	"github.com/pixelyodha/miracle/pkg/db"
	"github.com/pixelyodha/miracle/pkg/model"
)

type HistoryHandler struct {
	db *db.Session
}

func NewHistoryHandler(session *db.Session) *HistoryHandler {
	return &HistoryHandler{db: session}
}

type historyEntry struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp int64           `json:"timestamp"`
	Seen      bool            `json:"seen"`
	Text      string          `json:"text,omitempty"`
	MediaRef  string          `json:"mediaRef,omitempty"`
	MediaKind model.MediaKind `json:"mediaKind,omitempty"`
}

// ServeHTTP returns the archived log of the caller's conversation with the
// user named by the "with" query param, oldest first.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(auth.UserKey).(*auth.Claims)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	other := r.URL.Query().Get("with")
	if other == "" {
		http.Error(w, "with is required", http.StatusBadRequest)
		return
	}
	convID := model.ConversationID(claims.UserID, other)

	var messages []historyEntry
	iter := h.db.Query(`SELECT id, from_user, to_user, sent_at, seen, body, media_ref, media_kind
		FROM messages WHERE conversation_id = ?`, convID).Iter()

	var e historyEntry
	var sentAt time.Time
	var kind string
	for iter.Scan(&e.ID, &e.From, &e.To, &sentAt, &e.Seen, &e.Text, &e.MediaRef, &kind) {
		e.Timestamp = sentAt.UnixMilli()
		e.MediaKind = model.MediaKind(kind)
		messages = append(messages, e)
	}

	if err := iter.Close(); err != nil {
		log.Printf("Failed to iterate messages: %v", err)
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

type LoginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

func LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	// The underscore separates the two halves of a conversation id, so it
	// cannot appear inside a user id.
	if strings.ContainsRune(req.UserID, '_') {
		http.Error(w, "user_id must not contain '_'", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	token, err := auth.GenerateToken(req.UserID, req.DisplayName, req.Avatar)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{
		Token:       token,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
	})
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), auth.UserKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
