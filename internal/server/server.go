package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swapescrow/internal/address"
	"swapescrow/internal/config"
	"swapescrow/internal/escrow"
	"swapescrow/internal/hmacauth"
	"swapescrow/internal/idempotency"
	"swapescrow/internal/ledger"
	"swapescrow/internal/session"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
)

type Server struct {
	cfg        *config.AppConfig
	session    *session.Session
	conn       ledger.Connection
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	logger     zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewServer(cfg *config.AppConfig, sess *session.Session, conn ledger.Connection, store idempotency.Store, metrics *Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Server{
		cfg:     cfg,
		session: sess,
		conn:    conn,
		store:   store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		metrics:  metrics,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(signed chi.Router) {
			signed.Use(s.hmac.Middleware)
			signed.Post("/escrows", s.idempotent(escrow.TransitionCreate, s.handleCreate))
			signed.Post("/escrows/{address}/fulfil", s.idempotent(escrow.TransitionFulfil, s.handleFulfil))
			signed.Post("/escrows/{address}/cancel", s.idempotent(escrow.TransitionCancel, s.handleCancel))
		})
		api.Get("/escrows/{address}", s.handleGetEscrow)
		api.Get("/makers/{owner}/escrows", s.handleListEscrows)
		api.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		api.Get("/health", s.handleHealth)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createEscrowRequest struct {
	MintA   string `json:"mintA"`
	MintB   string `json:"mintB"`
	Deposit string `json:"deposit"`
	Receive string `json:"receive"`
}

type transitionResponse struct {
	Transition    string `json:"transition"`
	Escrow        string `json:"escrow"`
	Maker         string `json:"maker,omitempty"`
	Signature     string `json:"signature,omitempty"`
	State         string `json:"state"`
	AlreadyClosed bool   `json:"alreadyClosed,omitempty"`
	Link          string `json:"link,omitempty"`
	Error         string `json:"error,omitempty"`
}

type escrowResponse struct {
	Address         string `json:"address"`
	Seed            string `json:"seed"`
	Maker           string `json:"maker"`
	MintA           string `json:"mintA"`
	MintB           string `json:"mintB"`
	Bump            uint8  `json:"bump"`
	Vault           string `json:"vault"`
	Receive         string `json:"receive"`
	ReceiveDecimals uint8  `json:"receiveDecimals"`
	ReceiveHuman    string `json:"receiveHuman"`
	ReceiveDisplay  string `json:"receiveDisplay"`
	Balance         string `json:"balance"`
	BalanceDecimals uint8  `json:"balanceDecimals"`
	BalanceHuman    string `json:"balanceHuman"`
	BalanceDisplay  string `json:"balanceDisplay"`
	Link            string `json:"link,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json payload"})
		return
	}
	mintA, err := address.Parse(payload.MintA)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mintA: " + err.Error()})
		return
	}
	mintB, err := address.Parse(payload.MintB)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mintB: " + err.Error()})
		return
	}

	out, err := s.session.Create(r.Context(), mintA, mintB, payload.Deposit, payload.Receive)
	s.writeOutcome(w, http.StatusCreated, out, err)
}

func (s *Server) handleFulfil(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	out, err := s.session.Fulfil(r.Context(), addr)
	s.writeOutcome(w, http.StatusOK, out, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	out, err := s.session.Cancel(r.Context(), addr)
	s.writeOutcome(w, http.StatusOK, out, err)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	res, err := s.session.Escrow(r.Context(), addr)
	if err != nil {
		s.logger.Error().Err(err).Stringer("escrow", addr).Msg("fetch escrow failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	switch res.Status {
	case escrow.StatusFound:
		writeJSON(w, http.StatusOK, s.escrowView(res.Escrow))
	case escrow.StatusNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: escrow.ErrNotFound.Error(), Status: res.Status.String()})
	case escrow.StatusLayoutMismatch:
		s.logger.Error().Err(res.Mismatch).Stringer("escrow", addr).Msg("escrow layout mismatch")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: res.Mismatch.Error(), Status: res.Status.String()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unknown lookup status", Status: res.Status.String()})
	}
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathKey(w, r, "owner")
	if !ok {
		return
	}
	list, err := s.session.EscrowsFor(r.Context(), owner)
	if err != nil {
		s.logger.Error().Err(err).Stringer("maker", owner).Msg("list escrows failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	addrs := make([]string, len(list))
	for i, a := range list {
		addrs[i] = a.String()
	}
	writeJSON(w, http.StatusOK, struct {
		Maker   string   `json:"maker"`
		Escrows []string `json:"escrows"`
	}{Maker: owner.String(), Escrows: addrs})
}

func (s *Server) writeOutcome(w http.ResponseWriter, okStatus int, out session.Outcome, err error) {
	resp := transitionResponse{
		Transition:    string(out.Transition),
		State:         out.State.String(),
		AlreadyClosed: out.AlreadyClosed,
	}
	if !out.Escrow.IsZero() {
		resp.Escrow = out.Escrow.String()
		resp.Link = s.link(out.Escrow)
	}
	if !out.Maker.IsZero() {
		resp.Maker = out.Maker.String()
	}
	if !out.Signature.IsZero() {
		resp.Signature = out.Signature.String()
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	if out.AlreadyClosed {
		okStatus = http.StatusOK
	}
	writeJSON(w, okStatus, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrIdentityUnavailable):
		return http.StatusPreconditionFailed
	case errors.Is(err, escrow.ErrSubmission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) escrowView(e *escrow.Escrow) escrowResponse {
	return escrowResponse{
		Address:         e.Address.String(),
		Seed:            strconv.FormatUint(e.Seed, 10),
		Maker:           e.Maker.String(),
		MintA:           e.MintA.String(),
		MintB:           e.MintB.String(),
		Bump:            e.Bump,
		Vault:           e.Vault.String(),
		Receive:         strconv.FormatUint(e.Receive, 10),
		ReceiveDecimals: e.ReceiveDecimals,
		ReceiveHuman:    strconv.FormatUint(e.ReceiveHuman, 10),
		ReceiveDisplay:  e.ReceiveDisplay,
		Balance:         strconv.FormatUint(e.Balance, 10),
		BalanceDecimals: e.BalanceDecimals,
		BalanceHuman:    strconv.FormatUint(e.BalanceHuman, 10),
		BalanceDisplay:  e.BalanceDisplay,
		Link:            s.link(e.Address),
	}
}

// link is the share URL of an escrow, empty without a public base URL.
func (s *Server) link(addr solana.PublicKey) string {
	base := strings.TrimRight(s.cfg.Service.PublicBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/escrow?address=" + url.QueryEscape(addr.String())
}

// idempotent replays the stored response for a repeated key and stores the
// response of the first successful attempt.
func (s *Server) idempotent(t escrow.Transition, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing " + headerIdempotencyKey + " header"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		if !s.claim(key) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is in progress"})
			return
		}
		defer s.release(key)

		ctx := r.Context()
		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("idempotency lookup failed")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
			return
		}
		if existing != nil {
			if !existing.Matches(fp) {
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: idempotency.ErrKeyReused.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incReplay(string(t))
			return
		}

		rec := &recordingWriter{header: make(http.Header), status: http.StatusOK}
		next(rec, r)

		if rec.status >= 200 && rec.status < 300 {
			now := time.Now()
			record := idempotency.Record{
				Fingerprint: fp,
				StatusCode:  rec.status,
				Response:    rec.body.Bytes(),
				CreatedAt:   now,
				ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
			}
			if err := s.store.Save(ctx, key, record); err != nil {
				s.logger.Error().Err(err).Str("key", key).Msg("idempotency save failed")
			}
		}
		rec.flush(w)
	}
}

func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

type recordingWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) Header() http.Header         { return rw.header }
func (rw *recordingWriter) Write(b []byte) (int, error) { return rw.body.Write(b) }
func (rw *recordingWriter) WriteHeader(status int)      { rw.status = status }

func (rw *recordingWriter) flush(w http.ResponseWriter) {
	for k, v := range rw.header {
		w.Header()[k] = v
	}
	w.WriteHeader(rw.status)
	_, _ = w.Write(rw.body.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	start := time.Now()
	rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.conn.GetLatestBlockhash(rpcCtx); err != nil {
		rpcInfo.Error = err.Error()
		overallHealthy = false
	} else {
		rpcInfo.Connected = true
		rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	dbCtx, dbCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dbCancel()
	if err := s.store.Ping(dbCtx); err != nil {
		dbInfo.Connected = false
		dbInfo.Error = err.Error()
		overallHealthy = false
	}

	walletInfo := struct {
		Address  string `json:"address,omitempty"`
		Lamports uint64 `json:"lamports"`
		Error    string `json:"error,omitempty"`
	}{}
	if key, ok := s.session.Identity(); ok {
		walletInfo.Address = key.String()
		lamports, err := s.session.Balance(rpcCtx)
		if err != nil {
			walletInfo.Error = err.Error()
		}
		walletInfo.Lamports = lamports
	} else {
		walletInfo.Error = escrow.ErrIdentityUnavailable.Error()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string `json:"status"`
		RPC      any    `json:"rpc"`
		Database any    `json:"database"`
		Wallet   any    `json:"wallet"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Wallet:   walletInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func pathKey(w http.ResponseWriter, r *http.Request, param string) (solana.PublicKey, bool) {
	key, err := address.Parse(chi.URLParam(r, param))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: param + ": " + err.Error()})
		return solana.PublicKey{}, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", r.Header.Get(headerRequestID)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
