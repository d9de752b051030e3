package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"portfolio/internal/api/v1/dto"
	"portfolio/internal/guestbook"
	"portfolio/internal/middleware"
	"portfolio/internal/model"
	"portfolio/internal/realtime"
	"portfolio/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// GuestbookReader is the live view of the guestbook. *guestbook.Reconciler
// satisfies it.
type GuestbookReader interface {
	Messages() []model.GuestbookMessage
	Status() realtime.Status
	Watch(ctx context.Context) <-chan guestbook.View
}

type GuestbookHandler struct {
	reader   GuestbookReader
	svc      service.GuestbookService
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewGuestbookHandler(reader GuestbookReader, svc service.GuestbookService, v *validator.Validate, logger zerolog.Logger) *GuestbookHandler {
	return &GuestbookHandler{
		reader:   reader,
		svc:      svc,
		validate: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are already restricted by the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("handler", "GuestbookHandler").Logger(),
	}
}

// RegisterRoutes mounts v1 guestbook routes
func (h *GuestbookHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /guestbook", h.listMessages)
	mux.HandleFunc("GET /guestbook/stream", h.stream)
	mux.Handle("POST /guestbook", authMw(http.HandlerFunc(h.postMessage)))
	mux.Handle("DELETE /guestbook/{id}", authMw(http.HandlerFunc(h.deleteMessage)))
}

func (h *GuestbookHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	resp := dto.NewGuestbookView(guestbook.View{
		Messages: h.reader.Messages(),
		Status:   h.reader.Status(),
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *GuestbookHandler) postMessage(w http.ResponseWriter, r *http.Request) {
	// 1. Extract UserID from context
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized: user ID not found in context", http.StatusUnauthorized)
		return
	}

	// 2. Decode and validate request body
	var req dto.GuestbookCreateDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	// 3. Create the message; it reaches the list through the change feed
	entry, err := h.svc.PostMessage(r.Context(), userID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidContent):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "Failed to post message", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dto.NewGuestbookEntryResponse(entry))
}

func (h *GuestbookHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized: user ID not found in context", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	if err := h.svc.DeleteMessage(r.Context(), id, userID); err != nil {
		switch {
		case errors.Is(err, service.ErrMessageNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, "Failed to delete message", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream pushes the guestbook view over a websocket every time it changes.
func (h *GuestbookHandler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only consumes control frames and notices the client leaving.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	views := h.reader.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "guestbook stopped"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(dto.NewGuestbookView(v)); err != nil {
				h.logger.Debug().Err(err).Msg("Guestbook stream write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
