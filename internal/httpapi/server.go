package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/audio"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/pipeline"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/sink"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    *memory.Store
	gw       *gateway.Gateway
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, store *memory.Store, gw *gateway.Gateway, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		gw:       gw,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/cancel", s.handleCancelSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Get("/v1/providers", s.handleListProviders)
	r.Post("/v1/providers/{id}/recover", s.handleRecoverProvider)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	channel := pipeline.ChannelText
	switch strings.TrimSpace(req.Channel) {
	case "", string(pipeline.ChannelText):
	case string(pipeline.ChannelVoice):
		channel = pipeline.ChannelVoice
	default:
		respondError(w, http.StatusBadRequest, "invalid_channel", "channel must be text or voice")
		return
	}

	sess := s.sessions.Create(channel)
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:    sess.ID,
		Channel:      sess.Channel,
		Status:       sess.Status,
		StartedAt:    sess.StartedAt,
		IdleTTLMS:    s.cfg.SessionIdleTimeout.Milliseconds(),
		WelcomeQueue: s.cfg.WelcomeMessage != "",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"context": map[string]any{
			"window":   s.store.Window(sess.ID),
			"snippets": s.store.Snippets(sess.ID),
		},
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling"})
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"providers": s.gw.Snapshot()})
}

func (s *Server) handleRecoverProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.ReportRecovery(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "provider_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{"stages": []any{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func chunkMessage(c sink.Chunk, wavWrap bool) any {
	switch c.Kind {
	case sink.KindAudio:
		data := c.Audio
		format := c.Format
		if wavWrap {
			data = audio.EncodeWAVPCM16LE(data, 16000)
			format = "wav"
		}
		return protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   c.SessionID,
			TurnSeq:     c.TurnSeq,
			Seq:         c.Seq,
			Format:      format,
			AudioBase64: base64.StdEncoding.EncodeToString(data),
		}
	default:
		return protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: c.SessionID,
			TurnSeq:   c.TurnSeq,
			Seq:       c.Seq,
			TextDelta: c.Text,
		}
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	wavWrap := strings.EqualFold(r.URL.Query().Get("container"), "wav")

	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := sink.NewBuffered(s.cfg.SinkBuffer, s.cfg.SinkWait)
	defer out.Close()

	if err := s.sessions.Attach(ctx, sessionID, out); err != nil {
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "attach_failed",
			Detail:    err.Error(),
		})
		return
	}

	// All websocket writes go through one goroutine.
	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if s.metrics != nil {
					if t, ok := messageTypeOf(msg); ok {
						s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
					}
				}
			}
		}
	}()

	// Pump delivered chunks from the session sink to the writer.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-out.Out():
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case outbound <- chunkMessage(c, wavWrap):
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		}
	}

	submit := func(input pipeline.Input) {
		turn, err := s.sessions.Submit(ctx, sessionID, input)
		if err != nil {
			code := "submit_failed"
			switch {
			case errors.Is(err, session.ErrTurnInFlight):
				code = "turn_in_flight"
			case errors.Is(err, session.ErrSessionClosed):
				code = "session_closed"
			}
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      code,
				Retryable: errors.Is(err, session.ErrTurnInFlight),
				Detail:    err.Error(),
			})
			return
		}
		send(protocol.AssistantTurnEnd{
			Type:      protocol.TypeAssistantTurnEnd,
			SessionID: sessionID,
			TurnSeq:   turn.Seq,
			Status:    string(turn.Status),
			Reason:    string(turn.Reason),
		})
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		if s.metrics != nil {
			if t, ok := messageTypeOf(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
			}
		}

		switch msg := parsed.(type) {
		case protocol.ClientText:
			// Turns run off the read loop so control messages stay live.
			go submit(pipeline.Input{Kind: pipeline.InputText, Text: msg.Text})
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
			if err != nil {
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_audio",
					Detail:    err.Error(),
				})
				continue
			}
			go submit(pipeline.Input{Kind: pipeline.InputAudio, Audio: pcm, SampleRate: msg.SampleRate})
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionCancel:
				if err := s.sessions.Cancel(sessionID); err == nil {
					send(protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: sessionID,
						Code:      "turn_cancelled",
					})
				}
			case protocol.ActionEnd:
				if _, err := s.sessions.End(ctx, sessionID); err == nil {
					send(protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: sessionID,
						Code:      "session_closed",
					})
				}
				cancel()
			}
		}
	}

	cancel()
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
