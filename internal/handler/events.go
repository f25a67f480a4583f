// Package handler serves the connection state events of a client session
// to a browser over a websocket.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/rdpconnect/internal/config"
	"github.com/rcarmo/rdpconnect/internal/connection"
	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/metrics"
)

const (
	webSocketReadBufferSize  = 1024
	webSocketWriteBufferSize = 4096

	eventQueueSize = 256

	// abortMessage is the text frame a browser sends to cancel the session.
	abortMessage = "abort"
)

// Message is one JSON text frame sent to the browser.
type Message struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	Role            string `json:"role,omitempty"`
	State           string `json:"state,omitempty"`
	Active          bool   `json:"active,omitempty"`
	FirstActivation *bool  `json:"firstActivation,omitempty"`
	Error           string `json:"error,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Events runs one client connection per websocket and streams its events.
// The target comes from the host, user, password, width and height query
// parameters; everything else comes from Config.
type Events struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	// Options are appended to every connection.New call.
	Options []connection.Option
}

type target struct {
	host     string
	user     string
	password string
	width    int
	height   int
}

func (h *Events) config() *config.Config {
	if h.Config != nil {
		return h.Config
	}

	if cfg := config.GetGlobalConfig(); cfg != nil {
		return cfg
	}

	cfg, err := config.Load("")
	if err != nil {
		h.logger().Warn("RDP: events: default config: %v", err)
		return &config.Config{}
	}

	return cfg
}

func (h *Events) logger() *logging.Logger {
	if h.Logger != nil {
		return h.Logger
	}

	return logging.Default()
}

func (h *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config()

	origin := r.Header.Get("Origin")
	if origin != "" && !isAllowedOrigin(origin, cfg.Server.AllowedOrigins) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	tgt, err := parseTarget(r, cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Warn("RDP: events: upgrade websocket: %v", err)
		return
	}

	defer func() {
		if err := wsConn.Close(); err != nil {
			h.logger().Debug("RDP: events: close websocket: %v", err)
		}
	}()

	h.run(r.Context(), wsConn, cfg, tgt)
}

func parseTarget(r *http.Request, cfg *config.Config) (target, error) {
	q := r.URL.Query()

	tgt := target{
		host:     q.Get("host"),
		user:     q.Get("user"),
		password: q.Get("password"),
		width:    cfg.Target.Width,
		height:   cfg.Target.Height,
	}

	if tgt.host == "" {
		return tgt, errors.New("missing host")
	}

	for _, dim := range []struct {
		name string
		into *int
	}{
		{"width", &tgt.width},
		{"height", &tgt.height},
	} {
		raw := q.Get(dim.name)
		if raw == "" {
			continue
		}

		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 8192 {
			return tgt, fmt.Errorf("invalid %s %q", dim.name, raw)
		}

		*dim.into = v
	}

	return tgt, nil
}

func (h *Events) run(ctx context.Context, wsConn *websocket.Conn, cfg *config.Config, tgt target) {
	log := h.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := cfg.Settings()
	if err != nil {
		_ = wsConn.WriteJSON(Message{Type: "result", Error: err.Error(), Reason: connection.Reason(err)})
		return
	}

	s.ServerHostname = tgt.host
	s.Username = tgt.user
	s.Password = tgt.password
	s.DesktopWidth = uint16(tgt.width)   // #nosec G115
	s.DesktopHeight = uint16(tgt.height) // #nosec G115

	opts := append([]connection.Option{connection.WithLogger(log)}, h.Options...)
	conn := connection.New(connection.RoleClient, s, opts...)

	out := make(chan Message, eventQueueSize)

	var writer sync.WaitGroup
	writer.Add(1)

	go func() {
		defer writer.Done()

		for msg := range out {
			if err := wsConn.WriteJSON(msg); err != nil {
				log.Debug("RDP: events: write: %v", err)
				cancel()
			}
		}
	}()

	unsubscribe := conn.Bus().Subscribe(func(e connection.Event) {
		msg, ok := toMessage(e)
		if !ok {
			return
		}

		select {
		case out <- msg:
		default:
			log.Warn("RDP: events: queue full, dropping %s", msg.Type)
		}
	})
	stopMetrics := h.Metrics.Observe(conn.Bus())
	defer stopMetrics()

	go readAbort(ctx, wsConn, conn, cancel)

	out <- Message{Type: "session", ID: conn.ID(), Role: conn.Role().String()}

	err = conn.Open(ctx)
	if err == nil {
		err = pump(ctx, conn)
	}

	unsubscribe()

	result := Message{Type: "result", State: conn.State().String()}
	if err != nil {
		result.Error = err.Error()
		result.Reason = connection.Reason(err)
	}

	out <- result
	close(out)
	writer.Wait()

	if err := conn.Disconnect(); err != nil {
		log.Debug("RDP: events: disconnect: %v", err)
	}
}

// pump keeps the session moving until the browser goes away or aborts.
func pump(ctx context.Context, conn *connection.Connection) error {
	for ctx.Err() == nil && !conn.Aborted() {
		if err := conn.CheckFds(); err != nil {
			return err
		}
	}

	return nil
}

// readAbort turns an abort frame or a closed websocket into Abort.
func readAbort(ctx context.Context, wsConn *websocket.Conn, conn *connection.Connection, cancel context.CancelFunc) {
	for ctx.Err() == nil {
		kind, data, err := wsConn.ReadMessage()
		if err != nil {
			conn.Abort()
			cancel()

			return
		}

		if kind == websocket.TextMessage && strings.TrimSpace(string(data)) == abortMessage {
			conn.Abort()
			return
		}
	}
}

func toMessage(e connection.Event) (Message, bool) {
	switch ev := e.(type) {
	case connection.StateChangeEvent:
		return Message{Type: "state", Role: ev.Role.String(), State: ev.State.String(), Active: ev.Active}, true
	case connection.ActivatedEvent:
		first := ev.FirstActivation
		return Message{Type: "activated", Role: ev.Role.String(), FirstActivation: &first}, true
	case connection.AttemptEvent:
		msg := Message{Type: "attempt", Role: ev.Role.String()}
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
			msg.Reason = connection.Reason(ev.Err)
		}

		return msg, true
	}

	return Message{}, false
}

func isAllowedOrigin(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}

	normalized := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	normalized = strings.TrimSuffix(normalized, "/")

	// localhost-style origins are always allowed for development
	if strings.HasPrefix(normalized, "localhost") || strings.HasPrefix(normalized, "127.0.0.1") {
		return true
	}

	for _, entry := range allowed {
		candidate := strings.TrimSpace(entry)
		if candidate == "" {
			continue
		}

		if candidate == origin || candidate == normalized {
			return true
		}

		if strings.TrimPrefix(candidate, "http://") == normalized || strings.TrimPrefix(candidate, "https://") == normalized {
			return true
		}
	}

	return false
}
