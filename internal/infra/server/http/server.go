// Package httpserver exposes the relay control API: bus counters, provider
// lifecycle and consumer subscriptions.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/aisbus/internal/app/provider"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/infra/bus/packetbus"
	"github.com/coachpo/aisbus/internal/infra/config"
)

const (
	healthPath           = "/health"
	statsPath            = "/stats"
	providersPath        = "/providers"
	providerDetailPrefix = providersPath + "/"
	subscriptionsPath    = "/subscriptions"
	adaptersPath         = "/adapters"
	configPath           = "/config"

	stopProviderTimeout = 5 * time.Second
)

// Bus is the slice of the packet bus the control API reads.
type Bus interface {
	State() packetbus.State
	Stats() packetbus.Stats
}

// Providers is the provider lifecycle surface.
type Providers interface {
	Snapshot() []provider.RuntimeMetadata
	StopProvider(ctx context.Context, name string) error
}

// Dependencies wires the handler. Nil members disable their routes' data.
type Dependencies struct {
	Bus           Bus
	Providers     Providers
	Subscriptions func() map[string]*stream.Subscription
	Document      func() config.Document
	ProviderTypes []string
	ConsumerTypes []string
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	deps Dependencies
}

type streamStatsPayload struct {
	Name          string `json:"name"`
	Buffered      int    `json:"buffered"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Subscriptions int    `json:"subscriptions"`
}

type statsPayload struct {
	State      string               `json:"state"`
	Enqueued   uint64               `json:"enqueued"`
	Drained    uint64               `json:"drained"`
	Dropped    uint64               `json:"dropped"`
	QueueDepth int                  `json:"queueDepth"`
	Providers  int                  `json:"providers"`
	Consumers  []streamStatsPayload `json:"consumers"`
}

type subscriptionPayload struct {
	Consumer string `json:"consumer"`
	ID       string `json:"id"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// NewHandler creates the control API handler.
func NewHandler(deps Dependencies) http.Handler {
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stats,
	}))
	mux.Handle(providersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listProviders,
	}))
	mux.Handle(providerDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getProvider,
		http.MethodDelete: server.stopProvider,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSubscriptions,
	}))
	mux.Handle(adaptersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listAdapters,
	}))
	mux.Handle(configPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportConfig,
	}))

	return withCORS(mux)
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
	if s.deps.Bus == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	state := s.deps.Bus.State()
	if state == packetbus.StateStopped {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped", "state": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": state.String()})
}

func (s *httpServer) stats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus not available")
		return
	}
	stats := s.deps.Bus.Stats()
	payload := statsPayload{
		State:      stats.State.String(),
		Enqueued:   stats.Enqueued,
		Drained:    stats.Drained,
		Dropped:    stats.Dropped,
		QueueDepth: stats.QueueDepth,
		Providers:  stats.Providers,
		Consumers:  make([]streamStatsPayload, 0, len(stats.Consumers)),
	}
	for _, c := range stats.Consumers {
		payload.Consumers = append(payload.Consumers, streamStatsPayload(c))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) listProviders(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Providers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": []provider.RuntimeMetadata{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Providers.Snapshot()})
}

func (s *httpServer) getProvider(w http.ResponseWriter, r *http.Request) {
	name, ok := providerName(w, r)
	if !ok {
		return
	}
	if s.deps.Providers != nil {
		for _, meta := range s.deps.Providers.Snapshot() {
			if meta.Name == name {
				writeJSON(w, http.StatusOK, meta)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "provider not found")
}

func (s *httpServer) stopProvider(w http.ResponseWriter, r *http.Request) {
	name, ok := providerName(w, r)
	if !ok {
		return
	}
	if s.deps.Providers == nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopProviderTimeout)
	defer cancel()
	if err := s.deps.Providers.StopProvider(ctx, name); err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "name": name})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	out := []subscriptionPayload{}
	if s.deps.Subscriptions != nil {
		for consumer, sub := range s.deps.Subscriptions() {
			entry := subscriptionPayload{Consumer: consumer, ID: sub.ID(), State: sub.State().String()}
			if cause := sub.Cause(); cause != nil {
				entry.Error = cause.Error()
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Consumer < out[j].Consumer })
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *httpServer) listAdapters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": nonNil(s.deps.ProviderTypes),
		"consumers": nonNil(s.deps.ConsumerTypes),
	})
}

func (s *httpServer) exportConfig(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Document == nil {
		writeError(w, http.StatusNotFound, "configuration not available")
		return
	}
	var buf bytes.Buffer
	if err := config.Save(&buf, s.deps.Document()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func providerName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, providerDetailPrefix), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "provider name required")
		return "", false
	}
	return name, true
}

func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
