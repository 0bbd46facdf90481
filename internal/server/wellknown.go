package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ucplink/internal/config"
	"ucplink/internal/keys"
	"ucplink/internal/profile"
)

// registerWellKnown serves the business capability manifest and the
// A2A agent card. Both are public and cacheable.
func registerWellKnown(r chi.Router, app *config.Config, ks *keys.Store) {
	r.Get("/.well-known/ucp", func(w http.ResponseWriter, req *http.Request) {
		keySet, err := ks.PublicJWKs(req.Context())
		if err != nil {
			// The manifest is still served without signing keys.
			log.Printf("signing keys unavailable: %v", err)
			keySet = nil
		}
		writeCacheable(w, profile.Business(app, keySet))
	})

	r.Get("/.well-known/agent-card.json", func(w http.ResponseWriter, req *http.Request) {
		writeCacheable(w, profile.AgentCard(app))
	})
}

func writeCacheable(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(v)
}
