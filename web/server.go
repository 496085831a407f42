// Package web is the REST and WebSocket surface of the gateway.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/shutterbus/funkgw/sched"
	"github.com/shutterbus/funkgw/state"
	"github.com/shutterbus/funkgw/stick"
)

// Gateway is the dispatcher surface consumed by the API.
type Gateway interface {
	CheckLearnedChannels(ctx context.Context) ([]int, error)
	RequestStatus(ctx context.Context, channel int) error
	SendCommand(ctx context.Context, channel int, action byte) error
}

type Server struct {
	log    zerolog.Logger
	gw     Gateway
	store  *state.Store
	sched  *sched.Scheduler
	secret string
	srv    *http.Server
}

func NewServer(log zerolog.Logger, gw Gateway, store *state.Store, scheduler *sched.Scheduler, authSecret string) *Server {
	return &Server{
		log:    log,
		gw:     gw,
		store:  store,
		sched:  scheduler,
		secret: authSecret,
	}
}

func (s *Server) Start(listen string) {
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("web: listen failed")
		}
	}()
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error().Err(err).Msg("web: shutdown")
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.auth(s.handleWS))

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return s.auth(next.ServeHTTP) })

		r.Get("/channels", s.handleChannels)
		r.Post("/channels/check", s.handleCheck)
		r.Get("/channels/{channel}", s.handleChannel)
		r.Put("/channels/{channel}", s.handleRename)
		r.Post("/channels/{channel}/status", s.handleStatus)
		r.Post("/channels/{channel}/command", s.handleCommand)

		r.Get("/schedules", s.handleSchedules)
		r.Post("/schedules", s.handleScheduleAdd)
		r.Put("/schedules/{id}", s.handleScheduleUpdate)
		r.Delete("/schedules/{id}", s.handleScheduleDelete)
	})
	return r
}

// auth verifies a HS256 bearer JWT when an auth secret is configured.
// The token may also arrive as ?token= for WebSocket clients that
// cannot set headers.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.secret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}
		if tokenStr == "" {
			s.writeJSON(w, http.StatusUnauthorized, errBody("missing token"))
			return
		}
		token, err := jwt.Parse(tokenStr,
			func(*jwt.Token) (interface{}, error) { return []byte(s.secret), nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.writeJSON(w, http.StatusUnauthorized, errBody("invalid token"))
			return
		}
		next(w, r)
	}
}

func errBody(msg string) map[string]string { return map[string]string{"error": msg} }

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("web: response encode")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsNotValid(err):
		code = http.StatusBadRequest
	case errors.IsNotFound(err):
		code = http.StatusNotFound
	case errors.IsTimeout(err):
		code = http.StatusGatewayTimeout
	case errors.Cause(err) == stick.ErrStopped:
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, errBody(err.Error()))
}

func channelParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "channel")
	channel, err := strconv.Atoi(raw)
	if err != nil || !stick.ValidChannel(channel) {
		return 0, errors.NotValidf("channel %q", raw)
	}
	return channel, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	channels, err := s.gw.CheckLearnedChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.store.SetLearned(channels)
	s.writeJSON(w, http.StatusOK, map[string][]int{"channels": channels})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cs, ok := s.store.Get(channel)
	if !ok {
		s.writeError(w, errors.NotFoundf("channel %d", channel))
		return
	}
	s.writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	channel, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Name string           `json:"name"`
		Kind stick.DeviceKind `json:"kind"`
	}
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.NotValidf("body: %v", err))
		return
	}
	if err = s.store.Rename(channel, body.Name, body.Kind); err != nil {
		s.writeError(w, err)
		return
	}
	cs, _ := s.store.Get(channel)
	s.writeJSON(w, http.StatusOK, cs)
}

// handleStatus triggers easy_info; the resolved value is already in
// the store when the dispatcher settles the request.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	channel, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err = s.gw.RequestStatus(r.Context(), channel); err != nil {
		s.writeError(w, err)
		return
	}
	cs, _ := s.store.Get(channel)
	s.writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	channel, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.NotValidf("body: %v", err))
		return
	}
	action, err := stick.ActionByName(body.Action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err = s.gw.SendCommand(r.Context(), channel, action); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "sent"})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *Server) handleScheduleAdd(w http.ResponseWriter, r *http.Request) {
	var rule sched.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, errors.NotValidf("body: %v", err))
		return
	}
	added, err := s.sched.Add(rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errors.NotValidf("rule id"))
		return
	}
	var rule sched.Rule
	if err = json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, errors.NotValidf("body: %v", err))
		return
	}
	updated, err := s.sched.Update(id, rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errors.NotValidf("rule id"))
		return
	}
	if err = s.sched.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
