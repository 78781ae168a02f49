// Package server provides HTTP server construction for chatcore.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chatcore/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	APIKey     string
	Logger     *slog.Logger
	// Status reports the relay connection state for /healthz. Optional.
	Status func() string
}

// NewMux builds the HTTP mux with the health and MCP endpoints. The MCP
// endpoint is protected by the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	authMiddleware := auth.Middleware(cfg.APIKey, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(status func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]string{"status": "ok"}
		if status != nil {
			body["relay"] = status()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
