package server

import "net/http"

// Routes returns a ServeMux with every application route.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HealthHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.Handle("GET /metrics", s.MetricsHandler())
	mux.HandleFunc("GET /rooms", s.RoomsHandler)
	mux.HandleFunc("GET /rooms/{room}/members", s.MembersHandler)
	mux.HandleFunc("GET /rooms/{room}/privacy", s.PrivacyHandler)
	mux.HandleFunc("PUT /rooms/{room}/privacy", s.PrivacyHandler)
	mux.HandleFunc("POST /rooms/{room}/broadcast", s.BroadcastHandler)
	return mux
}
