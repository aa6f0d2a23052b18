package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 2 * wsPingInterval
)

// Handler exposes broadcast control and the event push channel over HTTP.
type Handler struct {
	sup      *Supervisor
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler driving sup.
func NewHandler(sup *Supervisor, log *slog.Logger) *Handler {
	return &Handler{
		sup: sup,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the broadcast endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/start", h.StartBroadcast)
	r.Get("/stop", h.StopBroadcast)
	r.Post("/stop", h.StopBroadcast)
	r.Get("/status", h.Status)
	r.Get("/events", h.Events)
}

// flexInt accepts a JSON number or a numeric string ("2500").
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type startBody struct {
	SecretKey   string  `json:"secretKey"`
	StreamKey   string  `json:"streamKey"`
	ProjectID   string  `json:"projectId"`
	Title       string  `json:"title"`
	Quality     string  `json:"quality"`
	BitrateKbps flexInt `json:"bitrateKbps"`
	Bitrate     flexInt `json:"bitrate"`
}

type errorBody struct {
	Error string `json:"error"`
}

type startResponse struct {
	Status  string      `json:"status"`
	Session SessionInfo `json:"session"`
}

// StartBroadcast handles POST /broadcast/start.
// Body: {"secretKey":"...","projectId":"...","title":"...","quality":"720p","bitrateKbps":2500}.
func (h *Handler) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	key := body.SecretKey
	if key == "" {
		key = body.StreamKey
	}
	bitrate := int(body.BitrateKbps)
	if bitrate == 0 {
		bitrate = int(body.Bitrate)
	}
	if bitrate == 0 {
		bitrate = DefaultBitrateKbps
	}

	quality, err := ParseQuality(body.Quality)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	profile, err := NewProfile(quality, bitrate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	info, err := h.sup.Start(StartRequest{
		SecretKey: key,
		ProjectID: body.ProjectID,
		Title:     body.Title,
		Profile:   profile,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingSecretKey), errors.Is(err, ErrInvalidProfile):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		case errors.Is(err, ErrAlreadyActive):
			h.log.Info("start rejected, broadcast already active", slog.String("project_id", body.ProjectID))
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		case errors.Is(err, ErrEncoderUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		default:
			h.log.Error("start broadcast failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, startResponse{Status: "accepted", Session: info})
}

// StopBroadcast handles GET|POST /broadcast/stop.
func (h *Handler) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Stop(r.Context()); err != nil {
		switch {
		case errors.Is(err, ErrNoActiveSession):
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		default:
			h.log.Error("stop broadcast failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, h.sup.Session())
}

// Status handles GET /broadcast/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Session())
}

// wireEvent is the push channel frame.
type wireEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Time      time.Time `json:"time"`
}

func toWire(e Event) wireEvent {
	out := wireEvent{Type: e.Type, SessionID: e.SessionID, Time: e.Time}
	switch e.Type {
	case EventEnded:
		code := e.ExitCode
		out.ExitCode = &code
		out.Message = e.Message()
	default:
		out.Text = e.Text
	}
	return out
}

// Events handles GET /broadcast/events: a websocket delivering log and ended
// frames until the observer disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := h.sup.Subscribe(ctx)
	defer unsubscribe()

	// Reader: only control frames are expected; any error means the peer left.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(toWire(e)); err != nil {
				h.log.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
