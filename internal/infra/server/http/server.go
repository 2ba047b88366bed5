// Package httpserver exposes the relay's HTTP surface: the websocket endpoint plus health and status probes.
package httpserver

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/bulios/stocks/internal/app/relay"
	"github.com/bulios/stocks/internal/domain/quote"
	"github.com/bulios/stocks/internal/infra/config"
)

const (
	healthPath = "/healthz"
	statusPath = "/status"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// StateSource exposes the shared relay tables for inspection.
type StateSource interface {
	Cache() *relay.PriceCache
	Registry() *relay.Registry
}

type httpServer struct {
	environment config.Environment
	state       StateSource
	started     time.Time
}

type connectionPayload struct {
	ID      string   `json:"id"`
	Symbols []string `json:"symbols"`
}

type statusPayload struct {
	Status      string              `json:"status"`
	Environment string              `json:"environment"`
	Uptime      string              `json:"uptime"`
	Connections []connectionPayload `json:"connections"`
	Symbols     []relay.CacheEntry  `json:"symbols"`
}

// NewHandler mounts the websocket handler at wsPath next to the ops routes.
func NewHandler(environment config.Environment, state StateSource, wsPath string, ws http.Handler) http.Handler {
	server := &httpServer{environment: environment, state: state, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))
	if ws != nil && strings.TrimSpace(wsPath) != "" {
		mux.Handle(wsPath, ws)
	}

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) status(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "relay not initialised")
		return
	}
	conns := s.state.Registry().Snapshot()
	payload := statusPayload{
		Status:      "ok",
		Environment: string(s.environment),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Connections: make([]connectionPayload, 0, len(conns)),
		Symbols:     s.state.Cache().Snapshot(),
	}
	for _, conn := range conns {
		payload.Connections = append(payload.Connections, connectionPayload{
			ID:      conn.ID,
			Symbols: symbolStrings(conn.Symbols.Sorted()),
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func symbolStrings(symbols []quote.Symbol) []string {
	out := make([]string, len(symbols))
	for i, sym := range symbols {
		out[i] = string(sym)
	}
	return out
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encodeJSON(w, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// encodeJSON writes v without HTML escaping and without the encoder's trailing newline.
func encodeJSON(w io.Writer, v any) error {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write encoded json: %w", err)
	}
	return nil
}
