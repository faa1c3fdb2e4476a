package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"korkibot/app/pkg/logger"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 20
)

// MessageSink receives the text of each inbound lead message. The server
// does not wait for the conversation turn to finish, it only hands the
// message off.
type MessageSink interface {
	OnMessage(userID, channelID, text string) error
}

// Hooks reacts to conversation events that affect pending reminders.
type Hooks interface {
	OnNewMessage(ctx context.Context, userID string)
	OnReadReceipt(ctx context.Context, userID string)
}

type Server struct {
	port        int
	verifyToken string
	sink        MessageSink
	hooks       Hooks

	statusProvider  func(context.Context) map[string]interface{}
	shutdownTimeout time.Duration
	server          *http.Server

	receivedEvents uint64
	droppedEvents  uint64
	startedUnix    atomic.Int64
}

func NewServer(port int, verifyToken string, sink MessageSink, hooks Hooks) (*Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("webhook: invalid port %d", port)
	}
	if verifyToken == "" {
		return nil, fmt.Errorf("webhook: verify token is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook: message sink is required")
	}
	return &Server{
		port:            port,
		verifyToken:     verifyToken,
		sink:            sink,
		hooks:           hooks,
		shutdownTimeout: defaultShutdownTimeout,
	}, nil
}

func (s *Server) SetStatusProvider(provider func(context.Context) map[string]interface{}) {
	s.statusProvider = provider
}

func (s *Server) SetShutdownTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.shutdownTimeout = timeout
}

func (s *Server) Start(ctx context.Context) error {
	s.startedUnix.Store(time.Now().Unix())

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("webhook shutdown: %v", err)
		}
	}()

	logger.Info("webhook listening on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleEvents(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the platform's one-time subscription handshake: the
// challenge is echoed back only when the shared verify token matches.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode != "subscribe" || token != s.verifyToken {
		logger.Warn("webhook verification rejected: mode=%s", mode)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	logger.Info("webhook verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleEvents walks a page event batch. Every batch is acknowledged with
// 200 regardless of per-event outcomes, otherwise the platform keeps
// redelivering the whole batch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !gjson.ValidBytes(body) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if gjson.GetBytes(body, "object").String() != "page" {
		http.NotFound(w, r)
		return
	}

	gjson.GetBytes(body, "entry").ForEach(func(_, entry gjson.Result) bool {
		pageID := entry.Get("id").String()
		entry.Get("messaging").ForEach(func(_, event gjson.Result) bool {
			s.processEvent(r.Context(), pageID, event)
			return true
		})
		return true
	})

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}

func (s *Server) processEvent(ctx context.Context, pageID string, event gjson.Result) {
	senderID := event.Get("sender.id").String()
	if senderID == "" {
		return
	}

	if event.Get("read").Exists() {
		if s.hooks != nil {
			s.hooks.OnReadReceipt(ctx, senderID)
		}
		return
	}

	message := event.Get("message")
	if !message.Exists() {
		return
	}
	// Echoes are our own outbound messages mirrored back by the platform.
	if message.Get("is_echo").Bool() {
		return
	}
	text := message.Get("text").String()
	if text == "" {
		atomic.AddUint64(&s.droppedEvents, 1)
		return
	}

	atomic.AddUint64(&s.receivedEvents, 1)
	if s.hooks != nil {
		s.hooks.OnNewMessage(ctx, senderID)
	}
	if err := s.sink.OnMessage(senderID, pageID, text); err != nil {
		logger.Error("aggregate message from %s: %v", senderID, err)
	}
}

type statusResponse struct {
	ReceivedMessages uint64                 `json:"received_messages"`
	DroppedEvents    uint64                 `json:"dropped_events"`
	StartedAt        string                 `json:"started_at,omitempty"`
	UptimeSec        int64                  `json:"uptime_sec"`
	Runtime          map[string]interface{} `json:"runtime,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		ReceivedMessages: atomic.LoadUint64(&s.receivedEvents),
		DroppedEvents:    atomic.LoadUint64(&s.droppedEvents),
	}
	if started := s.startedUnix.Load(); started > 0 {
		startAt := time.Unix(started, 0).UTC()
		resp.StartedAt = startAt.Format(time.RFC3339)
		resp.UptimeSec = int64(time.Since(startAt).Seconds())
		if resp.UptimeSec < 0 {
			resp.UptimeSec = 0
		}
	}
	if s.statusProvider != nil {
		resp.Runtime = s.statusProvider(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
