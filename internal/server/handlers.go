package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/roomhub/internal/registry"
)

const maxControlBodyBytes = 64 << 10

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Metrics registry.Snapshot `json:"metrics"`
}

// PrivacyRequest is the body accepted by PUT /rooms/{room}/privacy.
type PrivacyRequest struct {
	Private bool `json:"private"`
}

// PrivacyResponse reports the privacy flag of a room.
type PrivacyResponse struct {
	Room    string `json:"room"`
	Private bool   `json:"private"`
}

// RoomInfo describes one active room.
type RoomInfo struct {
	ID      string `json:"id"`
	Size    int    `json:"size"`
	Private bool   `json:"private"`
}

// WebSocketHandler handles WebSocket upgrade requests. It validates the method
// and the room parameter, upgrades the connection, asks the registry to admit
// it and then runs the client's read loop until the peer leaves.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "Missing room parameter.", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = r.RemoteAddr
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	ch := newWSChannel(conn, roomID, userID)
	id, err := s.registry.Enqueue(r.Context(), ch, roomID, userID)
	if err != nil {
		if cerr := ch.Close(rejectionCode(err), rejectionReason(err)); cerr != nil {
			s.log.Debug().Err(cerr).Msg("closing rejected connection failed")
		}
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	client := newClient(conn, s.registry, s.Config(), id, roomID, userID, r.RemoteAddr, s.log)
	client.run(s.ctx)
}

func rejectionCode(err error) int {
	if errors.Is(err, registry.ErrHandshake) {
		return registry.CloseGoingAway
	}
	return registry.CloseTryAgainLater
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrCapacity):
		return "server at capacity"
	case errors.Is(err, registry.ErrRoomFull):
		return "room is full"
	case errors.Is(err, registry.ErrRateLimited):
		return "too many connection attempts"
	case errors.Is(err, registry.ErrHandshake):
		return "handshake failed"
	case errors.Is(err, registry.ErrLockTimeout):
		return "server busy"
	default:
		return "connection rejected"
	}
}

// HealthHandler reports the server status together with the registry counters.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Metrics: s.registry.Metrics()})
}

// RoomsHandler lists the active rooms.
func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.Rooms()
	rooms := make([]RoomInfo, 0, len(ids))
	for _, id := range ids {
		size, err := s.registry.RoomSize(r.Context(), id)
		if err != nil {
			s.writeRegistryError(w, err)
			return
		}
		if size == 0 {
			continue
		}
		rooms = append(rooms, RoomInfo{ID: id, Size: size, Private: s.registry.IsPrivate(id)})
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

// MembersHandler lists the connections of one room.
func (s *Server) MembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := s.registry.Members(r.Context(), r.PathValue("room"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, members)
}

// PrivacyHandler reads (GET) or sets (PUT) the privacy flag of a room.
func (s *Server) PrivacyHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	if r.Method == http.MethodPut {
		var req PrivacyRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			http.Error(w, "Invalid privacy request body.", http.StatusBadRequest)
			return
		}
		s.registry.SetPrivacy(roomID, req.Private)
		s.log.Info().Str("room", roomID).Bool("private", req.Private).Msg("room privacy updated")
	}

	s.writeJSON(w, http.StatusOK, PrivacyResponse{Room: roomID, Private: s.registry.IsPrivate(roomID)})
}

// BroadcastHandler relays a server-originated message to every member of a room.
func (s *Server) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	var msg InboundMessage
	if err := decodeJSONBody(w, r, &msg); err != nil {
		http.Error(w, "Invalid broadcast body.", http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		msg.Type = messageTypeSystem
	}

	out := OutboundMessage{
		Type:      msg.Type,
		Room:      roomID,
		Timestamp: time.Now().UTC(),
		Data:      msg.Data,
	}
	// Delivery is bounded per member; a client hanging up must not cut it short.
	d, err := s.registry.BroadcastJSON(context.WithoutCancel(r.Context()), roomID, out, "")
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrLockTimeout) {
		http.Error(w, "Server busy, try again later.", http.StatusServiceUnavailable)
		return
	}
	s.log.Error().Err(err).Msg("registry request failed")
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("writing JSON response failed")
	}
}
