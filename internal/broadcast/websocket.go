package broadcast

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"ecobin/internal/logging"
	"ecobin/internal/registry"
	"ecobin/internal/services"
	"ecobin/internal/session"
)

const (
	defaultMaxFrameBytes   = 16 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
	writeTimeout           = 5 * time.Second
)

// Controller is the set of session operations exposed to UI clients.
type Controller interface {
	Snapshot() session.Snapshot
	FindUserByPIN(ctx context.Context, pin string) (*registry.User, error)
	StartLinking(ctx context.Context, userID, userName string) error
	CancelLinking(ctx context.Context) bool
	Reset(ctx context.Context)
}

// Frame is an inbound client request.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WebsocketOptions tunes the websocket transport.
type WebsocketOptions struct {
	MaxFrameBytes int
	Logger        *slog.Logger
	// Token, when set, must accompany the upgrade request before a client
	// may send control frames. Unauthenticated clients stay read-only.
	Token string
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

type websocketHandler struct {
	hub        *Hub
	controller Controller
	maxFrame   int
	token      string
	origins    map[string]struct{}
	logger     *slog.Logger
}

// NewWebsocketHandler serves the kiosk UI protocol on a websocket endpoint.
// Every client receives initial_state on connect and then every hub event.
func NewWebsocketHandler(hub *Hub, controller Controller, opts WebsocketOptions) http.Handler {
	maxFrame := opts.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	h := &websocketHandler{
		hub:        hub,
		controller: controller,
		maxFrame:   maxFrame,
		token:      strings.TrimSpace(opts.Token),
		logger:     logging.NewComponentLogger(opts.Logger, "websocket"),
	}
	if len(opts.AllowedOrigins) > 0 {
		h.origins = make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, origin := range opts.AllowedOrigins {
			h.origins[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
		}
	}
	server := websocket.Server{
		Handshake: h.handshake,
		Handler:   h.serve,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		server.ServeHTTP(w, r)
	})
}

// handshake accepts any origin unless an allow-list is configured. Clients
// that send no Origin header are not browsers and are let through.
func (h *websocketHandler) handshake(config *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(config, req)
	if err != nil {
		return err
	}
	config.Origin = origin
	if h.origins == nil || origin == nil {
		return nil
	}
	key := strings.ToLower(origin.Scheme + "://" + origin.Host)
	if _, ok := h.origins[key]; !ok {
		logging.WarnWithContext(h.logger, "websocket origin rejected", "websocket_origin_rejected",
			logging.String("origin", key),
			logging.String(logging.FieldErrorHint, "add the kiosk origin to broadcast.allowed_origins"),
			logging.String(logging.FieldImpact, "ui client cannot connect"),
		)
		return fmt.Errorf("origin %s not allowed", key)
	}
	return nil
}

// authorized reports whether the upgrade request carried the control token,
// either as a bearer header or a token query parameter.
func (h *websocketHandler) authorized(req *http.Request) bool {
	if h.token == "" {
		return true
	}
	presented, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		presented = req.URL.Query().Get("token")
	}
	return presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) send(evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(p.conn, evt)
}

func (h *websocketHandler) serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.MaxPayloadBytes = h.maxFrame

	ctx, cancel := context.WithCancel(services.WithSource(conn.Request().Context(), "websocket"))
	defer cancel()

	peer := &wsPeer{conn: conn}
	control := h.authorized(conn.Request())
	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	logger := h.logger.With(logging.String("subscriber", sub.ID()))

	if err := peer.send(NewEvent(EventInitialState, NewInitialState(h.controller.Snapshot()))); err != nil {
		logger.Debug("initial state send failed", logging.Error(err))
		return
	}

	go h.pump(ctx, peer, sub, logger)

	var (
		decodeErrors int
		windowStart  = time.Now()
		windowFrames int
	)
	for {
		var frame Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = peer.send(errorEvent("", "FRAME_TOO_LARGE", "frame exceeds size limit"))
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				logging.WarnWithContext(logger, "closing websocket after repeated decode errors", "websocket_decode_errors",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "client is sending malformed frames"),
					logging.String(logging.FieldImpact, "ui client disconnected"),
				)
				return
			}
			_ = peer.send(errorEvent("", "INVALID_FRAME", "frame is not valid json"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			windowFrames = 0
		}
		windowFrames++
		if windowFrames > maxFramesPerSecond {
			_ = peer.send(errorEvent(frame.RequestID, "RATE_LIMITED", "too many frames"))
			continue
		}

		reply, ok := h.dispatch(services.WithRequestID(ctx, frame.RequestID), frame, control)
		if !ok {
			continue
		}
		reply.RequestID = frame.RequestID
		if err := peer.send(reply); err != nil {
			logger.Debug("reply send failed", logging.Error(err))
			return
		}
	}
}

// pump relays hub events to the peer until the subscriber is removed or a
// write fails.
func (h *websocketHandler) pump(ctx context.Context, peer *wsPeer, sub *Subscriber, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case evt := <-sub.Events():
			if err := peer.send(evt); err != nil {
				logger.Debug("event send failed; closing connection", logging.Error(err))
				_ = peer.conn.Close()
				return
			}
		}
	}
}

// controlFrames change the session or expose user records and need the token.
var controlFrames = map[string]bool{
	"search_user_by_pin": true,
	"start_nfc_linking":  true,
	"cancel_nfc_linking": true,
	"reset":              true,
}

func (h *websocketHandler) dispatch(ctx context.Context, frame Frame, control bool) (Event, bool) {
	frameType := strings.TrimSpace(frame.Type)
	if controlFrames[frameType] && !control {
		return errorEvent(frame.RequestID, "UNAUTHORIZED", "control token required"), true
	}
	switch frameType {
	case "search_user_by_pin":
		var req struct {
			PIN string `json:"pin"`
		}
		if err := decodePayload(frame.Payload, &req); err != nil {
			return errorEvent(frame.RequestID, "INVALID_PAYLOAD", "pin payload is malformed"), true
		}
		return NewEvent(EventUserFoundByPIN, h.searchByPIN(ctx, req.PIN)), true

	case "start_nfc_linking":
		var req struct {
			UserID   string `json:"userId"`
			UserName string `json:"userName"`
		}
		if err := decodePayload(frame.Payload, &req); err != nil {
			return errorEvent(frame.RequestID, "INVALID_PAYLOAD", "linking payload is malformed"), true
		}
		if strings.TrimSpace(req.UserID) == "" {
			return errorEvent(frame.RequestID, "INVALID_PAYLOAD", "userId is required"), true
		}
		if err := h.controller.StartLinking(ctx, req.UserID, req.UserName); err != nil {
			return NewEvent(EventLinkError, LinkErrorPayload{Message: err.Error(), Kind: services.Kind(err)}), true
		}
		return NewEvent(EventLinkStatus, LinkStatusPayload{
			Status:   "waiting",
			Message:  "present the card to link",
			UserID:   req.UserID,
			UserName: req.UserName,
		}), true

	case "cancel_nfc_linking":
		h.controller.CancelLinking(ctx)
		return NewEvent(EventLinkStatus, LinkStatusPayload{Status: "cancelled", Message: "linking cancelled"}), true

	case "request_status":
		return NewEvent(EventStatusUpdate, h.controller.Snapshot()), true

	case "reset":
		h.controller.Reset(ctx)
		return Event{}, false

	default:
		return errorEvent(frame.RequestID, "UNKNOWN_TYPE", "unsupported frame type"), true
	}
}

func (h *websocketHandler) searchByPIN(ctx context.Context, pin string) UserFoundPayload {
	pin = strings.TrimSpace(pin)
	if !registry.ValidPIN(pin) {
		return UserFoundPayload{Message: "pin must be 6 digits"}
	}
	user, err := h.controller.FindUserByPIN(ctx, pin)
	if err != nil {
		logging.WarnWithContext(h.logger, "pin lookup failed", "pin_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check registry connectivity"),
			logging.String(logging.FieldImpact, "user cannot start card linking"),
		)
		return UserFoundPayload{Message: "user lookup failed"}
	}
	if user == nil {
		return UserFoundPayload{Message: "user not found"}
	}
	return UserFoundPayload{Success: true, User: SummarizeUser(user)}
}

// SummarizeUser converts a registry user to its public view.
func SummarizeUser(user *registry.User) *UserSummary {
	if user == nil {
		return nil
	}
	return &UserSummary{
		ID:           user.ID,
		Name:         user.Name,
		Email:        user.Email,
		Points:       user.Points,
		CredentialID: user.CredentialID,
	}
}

func errorEvent(requestID, code, message string) Event {
	evt := NewEvent(EventError, ErrorPayload{Code: code, Message: message})
	evt.RequestID = requestID
	return evt
}

func decodePayload(raw json.RawMessage, target any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, target)
}
