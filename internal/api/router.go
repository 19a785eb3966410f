// Package api exposes the portfolio to operators over HTTP and streams
// updates over websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/orchestrator"
	"ats-supervisor/internal/portfolio"
	"ats-supervisor/internal/reconcile"
	"ats-supervisor/internal/store"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Portfolio is the read and operator surface of the portfolio manager.
type Portfolio interface {
	Positions(ctx context.Context) ([]model.Position, error)
	History(ctx context.Context, f model.Filter) ([]model.Position, error)
	Equity(ctx context.Context, since time.Time) ([]model.EquitySnapshot, error)
	Summary(ctx context.Context) (portfolio.PnLSummary, error)
	DeletePosition(ctx context.Context, key model.Key) error
	ClosePosition(ctx context.Context, key model.Key, fillPrice decimal.Decimal) (model.Position, error)
	AssignResidual(ctx context.Context, ik model.InstrumentKey, strategy string) (model.Position, error)
	Purge(ctx context.Context, f model.Filter) (int64, error)
}

// Queue serializes mutations with trade ingestion.
type Queue interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) error
	Reconcile(ctx context.Context) (reconcile.Result, error)
}

var errBadRequest = errors.New("bad request")

func fmtBad(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// Server holds the API dependencies.
type Server struct {
	pf    Portfolio
	queue Queue
	hub   *Hub
}

// NewRouter builds the API routes.
func NewRouter(pf Portfolio, queue Queue, hub *Hub) *mux.Router {
	s := &Server{pf: pf, queue: queue, hub: hub}

	r := mux.NewRouter()
	r.Use(cors)
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	v1.HandleFunc("/positions", s.positions).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.history).Methods(http.MethodGet)
	v1.HandleFunc("/equity", s.equity).Methods(http.MethodGet)
	v1.HandleFunc("/summary", s.summary).Methods(http.MethodGet)

	v1.HandleFunc("/reconcile", s.reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/positions/delete", s.deletePosition).Methods(http.MethodPost)
	v1.HandleFunc("/positions/close", s.closePosition).Methods(http.MethodPost)
	v1.HandleFunc("/residuals/assign", s.assignResidual).Methods(http.MethodPost)
	v1.HandleFunc("/purge", s.purge).Methods(http.MethodPost)

	if hub != nil {
		v1.Handle("/stream", hub).Methods(http.MethodGet)
		v1.HandleFunc("/missed", s.missed).Methods(http.MethodGet)
	}
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.pf.Positions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.Filter{Symbol: q.Get("symbol"), AssetClass: q.Get("asset_class"), TradeID: q.Get("trade_id")}
	if q.Has("strategy") {
		f.Strategy = model.StrategyPtr(q.Get("strategy"))
	}
	if v := q.Get("deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, fmtBad("deleted: %v", err))
			return
		}
		f.Deleted = model.BoolPtr(b)
	}
	rows, err := s.pf.History(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) equity(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, fmtBad("since: %v", err))
			return
		}
		since = t
	}
	series, err := s.pf.Equity(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.pf.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Reconcile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":       len(res.Rows),
		"tombstones": len(res.Tombstones),
		"merged":     res.Merged,
		"residuals":  res.Residuals,
		"strays":     res.Strays,
		"failed":     res.Failed,
	})
}

type keyRequest struct {
	Symbol     string          `json:"symbol"`
	AssetClass string          `json:"asset_class"`
	Strategy   string          `json:"strategy"`
	FillPrice  decimal.Decimal `json:"fill_price"`
}

func (k keyRequest) key() model.Key {
	return model.Key{Symbol: k.Symbol, AssetClass: k.AssetClass, Strategy: k.Strategy}
}

func (s *Server) deletePosition(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Symbol == "" || req.AssetClass == "" {
		writeError(w, fmtBad("symbol and asset_class are required"))
		return
	}
	err := s.queue.Do(r.Context(), "delete_position", func(ctx context.Context) error {
		return s.pf.DeletePosition(ctx, req.key())
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Symbol == "" || req.AssetClass == "" || !req.FillPrice.IsPositive() {
		writeError(w, fmtBad("symbol, asset_class and a positive fill_price are required"))
		return
	}
	var closed model.Position
	err := s.queue.Do(r.Context(), "close_position", func(ctx context.Context) error {
		var err error
		closed, err = s.pf.ClosePosition(ctx, req.key(), req.FillPrice)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

type assignRequest struct {
	Symbol     string `json:"symbol"`
	AssetClass string `json:"asset_class"`
	Strategy   string `json:"strategy"`
}

func (s *Server) assignResidual(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Symbol == "" || req.AssetClass == "" || req.Strategy == "" {
		writeError(w, fmtBad("symbol, asset_class and strategy are required"))
		return
	}
	var row model.Position
	err := s.queue.Do(r.Context(), "assign_residual", func(ctx context.Context) error {
		var err error
		row, err = s.pf.AssignResidual(ctx, model.InstrumentKey{Symbol: req.Symbol, AssetClass: req.AssetClass}, req.Strategy)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type purgeRequest struct {
	Symbol     string    `json:"symbol"`
	AssetClass string    `json:"asset_class"`
	Strategy   *string   `json:"strategy"`
	Deleted    *bool     `json:"deleted"`
	Before     time.Time `json:"before"`
}

func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	f := model.Filter{Symbol: req.Symbol, AssetClass: req.AssetClass, Strategy: req.Strategy, Deleted: req.Deleted, Before: req.Before}
	if f.IsZero() {
		writeError(w, fmtBad("refusing to purge without a predicate"))
		return
	}
	var n int64
	err := s.queue.Do(r.Context(), "purge", func(ctx context.Context) error {
		var err error
		n, err = s.pf.Purge(ctx, f)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) missed(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	if err != nil {
		writeError(w, fmtBad("after: %v", err))
		return
	}
	msgs, ok := s.hub.Missed(after)
	if !ok {
		writeJSON(w, http.StatusGone, map[string]any{"error": "gap no longer buffered", "seq": s.hub.Seq()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": s.hub.Seq(), "messages": msgs})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmtBad("decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api encode failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, portfolio.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrPurgeOpen):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		slog.Error("api request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
