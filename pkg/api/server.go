package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/client"
	"github.com/flotilla-io/flotilla/pkg/events"
	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// authHeader carries the shared admin secret
const authHeader = "X-Auth-Key"

// Server is the HTTP admin surface: endpoint CRUD, manager inspection,
// IP and session control, the Prometheus scrape target and an event
// stream. Everything except /metrics is guarded by the shared secret
// when one is set.
type Server struct {
	admin  *client.Client
	broker *events.Broker
	logger zerolog.Logger
	server *http.Server
}

// NewServer builds the admin server on the given listen address
func NewServer(addr string, admin *client.Client, broker *events.Broker) *Server {
	s := &Server{
		admin:  admin,
		broker: broker,
		logger: log.WithComponent("api"),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.Use(s.countMiddleware)

	v1.HandleFunc("/endpoints", s.listEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}", s.getEndpoint).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}", s.putEndpoint).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/endpoints/{name}", s.deleteEndpoint).Methods(http.MethodDelete)
	v1.HandleFunc("/endpoints/{name}/state", s.getState).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}/state", s.putState).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/endpoints/{name}/metrics", s.getMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}/metrics", s.putMetrics).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/endpoints/{name}/ips", s.getIPs).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}/log", s.getLog).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}/sessions", s.getSessions).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{name}/sessions/{client}", s.dropSession).Methods(http.MethodDelete)
	v1.HandleFunc("/managers", s.listManagers).Methods(http.MethodGet)
	v1.HandleFunc("/managers/{uuid}/config", s.getManagerConfig).Methods(http.MethodGet)
	v1.HandleFunc("/managers/{uuid}/config", s.putManagerConfig).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/auth", s.putAuth).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/ips/{ip}", s.recordIP).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/ips/{ip}", s.dropIP).Methods(http.MethodDelete)
	v1.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own lifetime
	}
	return s
}

// Start serves until Shutdown
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Admin API listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin API stopped")
		}
	}()
}

// Shutdown stops the listener
func (s *Server) Shutdown() error {
	return s.server.Close()
}

// authMiddleware enforces the shared secret when one is configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stored, err := s.admin.AuthHash()
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		if stored != "" {
			presented := r.Header.Get(authHeader)
			if presented == "" || client.HashSecret(presented) != stored {
				s.writeError(w, http.StatusUnauthorized,
					fmt.Errorf("missing or invalid %s", authHeader))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// countMiddleware feeds the API request counters
func (s *Server) countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.APIRequestsTotal.WithLabelValues(
			r.Method, fmt.Sprintf("%d", recorder.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	names, err := s.admin.EndpointList()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, names)
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.admin.EndpointConfig(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, cfg)
}

func (s *Server) putEndpoint(w http.ResponseWriter, r *http.Request) {
	var cfg types.EndpointConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.EndpointManage(mux.Vars(r)["name"], cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.EndpointUnmanage(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	state, err := s.admin.EndpointState(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, map[string]string{"state": string(state)})
}

func (s *Server) putState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.admin.SetEndpointState(mux.Vars(r)["name"], types.EndpointState(body.State))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	samples, err := s.admin.EndpointMetrics(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, samples)
}

func (s *Server) putMetrics(w http.ResponseWriter, r *http.Request) {
	var sample types.MetricSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ip := r.URL.Query().Get("ip")
	if err := s.admin.SetEndpointMetrics(mux.Vars(r)["name"], sample, ip); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getIPs(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.admin.EndpointIPs(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, addrs)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	lines, err := s.admin.EndpointLog(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, lines)
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.admin.Sessions(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, sessions)
}

func (s *Server) dropSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.admin.DropSession(vars["name"], vars["client"]); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listManagers(w http.ResponseWriter, r *http.Request) {
	managers, err := s.admin.ManagersActive()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, managers)
}

func (s *Server) getManagerConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.admin.ManagerConfig(mux.Vars(r)["uuid"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, cfg)
}

func (s *Server) putManagerConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.ManagerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.SetManagerConfig(mux.Vars(r)["uuid"], cfg); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.admin.SetAuthSecret(body.Secret); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordIP(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.RecordIP(mux.Vars(r)["ip"]); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dropIP(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DropIP(mux.Vars(r)["ip"]); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents sends control-plane events as server-sent events
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusNotImplemented,
			fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
