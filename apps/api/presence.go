package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/pixelyodha/miracle/pkg/model"
)

type PresenceHandler struct {
	redis *redis.Client
}

func NewPresenceHandler(redisAddr string) *PresenceHandler {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return &PresenceHandler{redis: rdb}
}

type presenceEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

// ServeHTTP reads the live participant directory straight out of the
// realtime store's users hash and reports each participant's presence.
func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vals, err := h.redis.HGetAll(context.Background(), "users").Result()
	if err != nil {
		log.Printf("Failed to fetch users: %v", err)
		http.Error(w, "Failed to fetch users", http.StatusInternalServerError)
		return
	}

	users := make([]presenceEntry, 0, len(vals))
	for id, raw := range vals {
		var p model.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Printf("bad participant record %s: %v", id, err)
			continue
		}
		users = append(users, presenceEntry{
			ID:       id,
			Name:     p.Name,
			Online:   p.Online,
			LastSeen: p.LastSeen,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}
