package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/harmony-one/bonding-curve-prototype/pkg/session"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
	"github.com/harmony-one/bonding-curve-prototype/pkg/trade"
)

type Options struct {
	ReserveSymbol string
	CORSOrigins   []string
}

// Server exposes the active session over REST and streams trade statuses
// over WebSocket.
type Server struct {
	sessions *session.Manager
	opts     Options
	router   *mux.Router
	hub      *Hub
	logger   *zap.SugaredLogger

	httpServer *http.Server
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewServer(sessions *session.Manager, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		sessions: sessions,
		opts:     opts,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.Named("ws")),
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instrument endpoints
	api.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")
	api.HandleFunc("/instruments/{address}/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/instruments/{address}/quote", s.handleGetQuote).Methods("GET")
	api.HandleFunc("/instruments/{address}/quote/latest", s.handleGetLatestQuote).Methods("GET")

	// Trade endpoints
	api.HandleFunc("/trades", s.handleSubmitTrade).Methods("POST")
	api.HandleFunc("/trades", s.handleGetStatuses).Methods("GET")
	api.HandleFunc("/trades/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/trades/{address}/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/trades/{address}/dismiss", s.handleDismiss).Methods("POST")

	// Account endpoints
	api.HandleFunc("/account", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/account/refresh", s.handleRefreshAccount).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run starts the WebSocket hub and forwards trade statuses to it until
// Shutdown.
func (s *Server) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	statuses, unsubscribe := s.sessions.Subscribe(256)
	go s.hub.Run(ctx)
	go func() {
		defer close(s.done)
		defer unsubscribe()
		for {
			select {
			case st := <-statuses:
				s.hub.BroadcastStatus(st)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Start runs the hub and serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.Run()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("api_listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return err
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	list, err := sess.Instruments(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]InstrumentInfo, len(list))
	for i, inst := range list {
		out[i] = newInstrumentInfo(inst)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	price, err := sess.Price(r.Context(), addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PriceInfo{
		Address:  addr.Hex(),
		Price:    token.FormatPrice(price),
		PriceWei: price.String(),
	})
}

// handleGetQuote prices ?quantity= for ?action= (buy by default).
func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	action := trade.Action(r.URL.Query().Get("action"))
	if action == "" {
		action = trade.ActionBuy
	}
	if action != trade.ActionBuy && action != trade.ActionSell {
		respondError(w, http.StatusBadRequest, "invalid action", "expected buy or sell")
		return
	}
	q, err := sess.Quote(r.Context(), action, addr, r.URL.Query().Get("quantity"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newQuoteInfo(q))
}

// handleGetLatestQuote returns the quote shown for the last input, without a
// remote call. 404 when it was superseded, cleared, or never arrived.
func (s *Server) handleGetLatestQuote(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	q, ok := sess.LatestQuote(addr)
	if !ok {
		respondError(w, http.StatusNotFound, "no quote", "no current quote for "+addr.Hex())
		return
	}
	respondJSON(w, http.StatusOK, newQuoteInfo(q))
}

func (s *Server) handleSubmitTrade(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	var req SubmitTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Instrument) {
		respondError(w, http.StatusBadRequest, "invalid instrument", req.Instrument)
		return
	}
	addr := common.HexToAddress(req.Instrument)

	// The trade outlives the request.
	id, err := sess.SubmitTrade(context.WithoutCancel(r.Context()), req.Action, addr, req.Quantity)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Infow("api_trade_submitted", "request_id", id, "instrument", addr.Hex(), "action", req.Action)
	respondJSON(w, http.StatusAccepted, SubmitTradeResponse{
		RequestID: id,
		Status:    sess.CurrentStatus(addr),
	})
}

func (s *Server) handleGetStatuses(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Statuses())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.CurrentStatus(addr))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	if err := sess.Dismiss(addr); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.CurrentStatus(addr))
}

// handleGetHistory returns journaled trade records, newest first (?limit=, default 50).
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	recs, err := sess.History(limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	info := AccountInfo{Address: sess.Account().Hex(), ReserveSymbol: s.opts.ReserveSymbol}
	if v := r.URL.Query().Get("instrument"); v != "" {
		if !common.IsHexAddress(v) {
			respondError(w, http.StatusBadRequest, "invalid instrument", v)
			return
		}
		info.Snapshot = newSnapshotInfo(sess.CurrentSnapshot(common.HexToAddress(v)))
	}
	respondJSON(w, http.StatusOK, info)
}

// handleRefreshAccount refetches every figure for ?instrument=.
func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w)
	if !ok {
		return
	}
	v := r.URL.Query().Get("instrument")
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid instrument", v)
		return
	}
	snap, err := sess.RefreshSnapshot(r.Context(), common.HexToAddress(v))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, AccountInfo{
		Address:       sess.Account().Hex(),
		ReserveSymbol: s.opts.ReserveSymbol,
		Snapshot:      newSnapshotInfo(snap),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := HealthInfo{Status: "ok"}
	if sess, err := s.sessions.Current(); err == nil {
		h.Account = sess.Account().Hex()
	}
	respondJSON(w, http.StatusOK, h)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) session(w http.ResponseWriter) (*session.Session, bool) {
	sess, err := s.sessions.Current()
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	return sess, true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := mux.Vars(r)["address"]
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid address", v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// respondErr maps engine errors onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var te *trade.Error
	switch {
	case errors.As(err, &te) && te.Kind == trade.KindInputInvalid:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid input", Message: te.Reason, Cause: te})
	case errors.Is(err, trade.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, trade.ErrQuoteUnavailable):
		respondError(w, http.StatusServiceUnavailable, "quote unavailable", "retry once pricing answers")
	case errors.Is(err, session.ErrUnknownInstrument):
		respondError(w, http.StatusNotFound, "instrument not found", err.Error())
	case errors.Is(err, session.ErrNoSession):
		respondError(w, http.StatusServiceUnavailable, "no account", err.Error())
	default:
		s.logger.Warnw("api_request_failed", "error", err)
		reason, _ := trade.Sanitize(err.Error())
		respondError(w, http.StatusBadGateway, "remote failure", reason)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
