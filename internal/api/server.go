// Package api serves the protocol over HTTP: one endpoint accepts commands,
// the rest are read-only views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"creditvault/internal/errs"
	"creditvault/internal/events"
	"creditvault/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

// Backend is the part of protocol.System the API needs.
type Backend interface {
	Apply(ctx context.Context, cmd protocol.Command) (protocol.Result, error)
	Ledger() protocol.LedgerView
	Account(addr common.Address) protocol.AccountView
	Price(asset string) (string, bool)
	Vaults() []protocol.VaultView
	Vault(name string) (protocol.VaultView, error)
	Position(vault string, owner common.Address) (protocol.PositionView, error)
	Epoch(vault string, index uint64) (protocol.EpochView, error)
	Depth(vault string) ([]protocol.DepthLevel, error)
	Unwinder(vault string) (protocol.UnwinderView, error)
	RecentEvents(limit int) []events.Event
}

type Server struct {
	backend Backend
	log     *zap.Logger
	timeout time.Duration
	router  http.Handler
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func New(backend Backend, log *zap.Logger, timeout time.Duration) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Server{backend: backend, log: log, timeout: timeout}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.timeout))
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/commands", s.submit)
		v1.Get("/ledger", s.ledger)
		v1.Get("/accounts/{address}", s.account)
		v1.Get("/prices/{asset}", s.price)
		v1.Get("/events", s.events)
		v1.Route("/vaults", func(vr chi.Router) {
			vr.Get("/", s.vaults)
			vr.Get("/{vault}", s.vault)
			vr.Get("/{vault}/positions/{owner}", s.position)
			vr.Get("/{vault}/epochs/{epoch}", s.epoch)
			vr.Get("/{vault}/depth", s.depth)
			vr.Get("/{vault}/unwinder", s.unwinder)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid command: " + err.Error(), Kind: string(errs.KindInput)})
		return
	}
	res, err := s.backend.Apply(r.Context(), cmd)
	if err != nil {
		s.log.Info("command failed", zap.String("op", string(cmd.Op)), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ledger(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Ledger())
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Account(addr))
}

func (s *Server) price(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	price, valid := s.backend.Price(asset)
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "price": price, "valid": valid})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Kind: string(errs.KindInput)})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.backend.RecentEvents(limit))
}

func (s *Server) vaults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Vaults())
}

func (s *Server) vault(w http.ResponseWriter, r *http.Request) {
	view, err := s.backend.Vault(chi.URLParam(r, "vault"))
	respond(w, view, err)
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	view, err := s.backend.Position(chi.URLParam(r, "vault"), owner)
	respond(w, view, err)
}

func (s *Server) epoch(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid epoch", Kind: string(errs.KindInput)})
		return
	}
	view, err := s.backend.Epoch(chi.URLParam(r, "vault"), index)
	respond(w, view, err)
}

func (s *Server) depth(w http.ResponseWriter, r *http.Request) {
	levels, err := s.backend.Depth(chi.URLParam(r, "vault"))
	respond(w, levels, err)
}

func (s *Server) unwinder(w http.ResponseWriter, r *http.Request) {
	view, err := s.backend.Unwinder(chi.URLParam(r, "vault"))
	respond(w, view, err)
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	if !common.IsHexAddress(raw) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid " + name, Kind: string(errs.KindInput)})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// StatusFor maps an error's class to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, protocol.ErrUnknownVault) || errors.Is(err, protocol.ErrNoUnwinder) {
		return http.StatusNotFound
	}
	switch errs.KindOf(err) {
	case errs.KindInput:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindCapacity, errs.KindSafety, errs.KindMatching:
		return http.StatusUnprocessableEntity
	case errs.KindLiveness, errs.KindTiming:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, StatusFor(err), ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
