// FILE: control.go
// Package main – HTTP control surface for the chaser.
//
// Routes:
//   POST /api/v1/chase/start   – start a session (202, or 409 while chasing)
//   POST /api/v1/chase/stop    – request a stop (202, or 409 when idle)
//   GET  /api/v1/chase/status  – current ChaseSnapshot
//   GET  /api/v1/pairs         – configured pair list
//   GET  /api/v1/events        – recent events (?limit=N)
//   GET  /ws                   – live event stream
//   GET  /healthz, /metrics
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// StartRequest is the JSON body of POST /api/v1/chase/start.
type StartRequest struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	DollarValue  float64 `json:"dollar_value"`
	SleepSeconds float64 `json:"sleep_seconds"`
	TakeProfit   *struct {
		Type  string  `json:"type"`
		Value float64 `json:"value"`
	} `json:"take_profit,omitempty"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type ControlOptions struct {
	Exchange     string
	Pairs        *PairList
	Events       *EventLog
	Hub          *Hub
	Limits       Limits
	DefaultSleep time.Duration
	CORSOrigins  []string
	Logger       *zap.Logger
}

// ControlServer maps HTTP requests onto Chaser commands.
type ControlServer struct {
	chaser *Chaser
	opts   ControlOptions
	log    *zap.Logger
	router *mux.Router
}

func NewControlServer(chaser *Chaser, opts ControlOptions) *ControlServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = NewEventLog(0)
	}
	if opts.DefaultSleep <= 0 {
		opts.DefaultSleep = 20 * time.Second
	}
	s := &ControlServer{
		chaser: chaser,
		opts:   opts,
		log:    opts.Logger.Named("control"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chase/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/chase/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/chase/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pairs", s.handlePairs).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	if s.opts.Hub != nil {
		s.router.Handle("/ws", s.opts.Hub)
	}
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the router wrapped with CORS.
func (s *ControlServer) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// ==============================
// REST Handlers
// ==============================

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", string(KindInvalidParameters), err.Error())
		return
	}
	req, err := s.buildRequest(body)
	if err != nil {
		s.respondChaseError(w, err)
		return
	}
	snap, err := s.chaser.Start(r.Context(), req)
	if err != nil {
		s.respondChaseError(w, err)
		return
	}
	s.log.Info("chase started via api", zap.String("session", snap.Session), zap.String("symbol", snap.Symbol))
	respondJSONStatus(w, http.StatusAccepted, snap)
}

// buildRequest applies defaults and operator limits to a StartRequest.
func (s *ControlServer) buildRequest(body StartRequest) (ChaseRequest, error) {
	side, err := ParseSide(body.Side)
	if err != nil {
		return ChaseRequest{}, newChaseError(KindInvalidParameters, opStart, err)
	}
	tp := NoTakeProfit()
	if body.TakeProfit != nil {
		if tp, err = ParseTakeProfit(body.TakeProfit.Type, body.TakeProfit.Value); err != nil {
			return ChaseRequest{}, newChaseError(KindInvalidParameters, opStart, err)
		}
	}
	sleep := s.opts.DefaultSleep
	if body.SleepSeconds != 0 {
		sleep = time.Duration(body.SleepSeconds * float64(time.Second))
	}
	req := ChaseRequest{
		Symbol:      body.Symbol,
		Side:        side,
		DollarValue: body.DollarValue,
		Sleep:       sleep,
		TakeProfit:  tp,
	}
	if err := s.opts.Limits.Check(req); err != nil {
		return ChaseRequest{}, err
	}
	if !s.opts.Pairs.Allows(req.Symbol) {
		return ChaseRequest{}, newChaseError(KindInvalidParameters, opStart,
			errors.New("symbol "+strconv.Quote(req.Symbol)+" is not in the "+s.opts.Exchange+" pair list"))
	}
	return req, nil
}

func (s *ControlServer) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.chaser.Stop(); err != nil {
		s.respondChaseError(w, err)
		return
	}
	respondJSONStatus(w, http.StatusAccepted, s.chaser.Status())
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.chaser.Status())
}

func (s *ControlServer) handlePairs(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{
		"exchange": s.opts.Exchange,
		"pairs":    s.opts.Pairs.All(),
	})
}

func (s *ControlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "", v)
			return
		}
		limit = n
	}
	respondJSON(w, s.opts.Events.Recent(limit))
}

// respondChaseError maps the error taxonomy onto HTTP status codes.
func (s *ControlServer) respondChaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrChaseActive), errors.Is(err, ErrNoSession):
		respondError(w, http.StatusConflict, "conflict", "", err.Error())
		return
	}
	kind := KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case KindInvalidParameters, KindInvalidAmount:
		status = http.StatusBadRequest
	case KindNoLiquidity:
		status = http.StatusUnprocessableEntity
	case KindMarketData:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.log.Error("request failed", zap.Error(err))
	}
	respondError(w, status, http.StatusText(status), string(kind), err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error, kind, message string) {
	respondJSONStatus(w, status, ErrorResponse{Error: error, Kind: kind, Message: message})
}
