package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/metrics"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

const (
	maxBodyBytes     = 1 << 16
	defaultListLimit = 50
	maxListLimit     = 500
)

type EscrowService interface {
	CreateEscrow(ctx context.Context, caller string, p escrow.CreateParams) (escrow.Escrow, error)
	GetEscrow(ctx context.Context, id escrow.ID) (escrow.Escrow, error)
	Fund(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error)
	Release(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error)
	AutoRelease(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error)
	FeeSchedule() fee.Schedule
	SetFeeRate(ctx context.Context, caller string, bps uint32) (fee.Schedule, error)
	SetFeeCollector(ctx context.Context, caller string, collector string) (fee.Schedule, error)
	Guard() *escrow.Guard
}

type DisputeService interface {
	List(ctx context.Context, caller string, limit int) ([]dispute.Case, error)
	Get(ctx context.Context, caller string, id escrow.ID) (dispute.Case, []dispute.TimelineEntry, error)
	Preview(ctx context.Context, caller string, id escrow.ID, buyerShare int) (dispute.Preview, error)
	Raise(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error)
	Resolve(ctx context.Context, caller string, id escrow.ID, buyerShare int) (escrow.Escrow, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Server exposes the escrow operations over JSON/HTTP.
type Server struct {
	escrowService  EscrowService
	disputeService DisputeService
	tokens         TokenVerifier
	limiter        *principalLimiter
	gatherer       prometheus.Gatherer
	metrics        *metrics.Metrics
	log            logrus.FieldLogger
	ready          func(ctx context.Context) error
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/escrows", s.handleEscrows)
	api.HandleFunc("/api/escrows/", s.handleEscrowDetail)
	api.HandleFunc("/api/disputes", s.handleDisputes)
	api.HandleFunc("/api/disputes/", s.handleDisputeDetail)
	api.HandleFunc("/api/fees", s.handleFees)
	api.HandleFunc("/api/fees/", s.handleFeeUpdate)
	mux.Handle("/api/", s.withAuth(s.withRateLimit(api)))

	return s.withRecover(s.withRequestLog(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	caller, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createEscrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal string of smallest units")
		return
	}

	e, err := s.escrowService.CreateEscrow(r.Context(), caller, escrow.CreateParams{
		Buyer:  req.Buyer,
		Seller: req.Seller,
		Amount: amount,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(e))
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireUser(w, r)
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/escrows/"), "/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := escrow.ParseID(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleGetEscrow(w, r, caller, id)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var e escrow.Escrow
	switch action {
	case "fund":
		e, err = s.escrowService.Fund(r.Context(), caller, id)
	case "release":
		e, err = s.escrowService.Release(r.Context(), caller, id)
	case "auto-release":
		e, err = s.escrowService.AutoRelease(r.Context(), caller, id)
	case "disputes":
		e, err = s.disputeService.Raise(r.Context(), caller, id)
	case "resolution":
		var req resolutionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.BuyerShare == nil {
			writeError(w, http.StatusBadRequest, "buyerShare is required")
			return
		}
		e, err = s.disputeService.Resolve(r.Context(), caller, id, *req.BuyerShare)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

// handleGetEscrow hides records from principals with no role on them.
func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, caller string, id escrow.ID) {
	e, err := s.escrowService.GetEscrow(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(s.escrowService.Guard().Roles(e, caller)) == 0 {
		writeError(w, http.StatusNotFound, "escrow not found")
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	caller, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cases, err := s.disputeService.List(r.Context(), caller, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(cases))
	for _, c := range cases {
		items = append(items, toDisputeResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// handleDisputeDetail serves GET /api/disputes/{id} and GET /api/disputes/{id}/preview?buyerShare=N.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	caller, ok := requireUser(w, r)
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := escrow.ParseID(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}

	switch action {
	case "":
		c, timeline, err := s.disputeService.Get(r.Context(), caller, id)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		resp := disputeDetailResponse{disputeResponse: toDisputeResponse(c), Timeline: make([]timelineResponse, 0, len(timeline))}
		for _, entry := range timeline {
			resp.Timeline = append(resp.Timeline, toTimelineResponse(entry))
		}
		writeJSON(w, http.StatusOK, resp)
	case "preview":
		share, err := strconv.Atoi(r.URL.Query().Get("buyerShare"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "buyerShare must be an integer percentage")
			return
		}
		p, err := s.disputeService.Preview(r.Context(), caller, id, share)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPreviewResponse(p))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, toFeeResponse(s.escrowService.FeeSchedule()))
}

func (s *Server) handleFeeUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	caller, ok := requireUser(w, r)
	if !ok {
		return
	}

	var (
		schedule fee.Schedule
		err      error
	)
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/fees/"), "/") {
	case "rate":
		var req feeRateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Bps == nil {
			writeError(w, http.StatusBadRequest, "bps is required")
			return
		}
		schedule, err = s.escrowService.SetFeeRate(r.Context(), caller, *req.Bps)
	case "collector":
		var req feeCollectorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		schedule, err = s.escrowService.SetFeeCollector(r.Context(), caller, req.Collector)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeResponse(schedule))
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidInput), errors.Is(err, escrow.ErrConfigurationRejected):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrAlreadyExists), errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		if s.log != nil {
			s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		}
		writeError(w, status, "internal error")
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: escrow.ErrorClass(err)})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	return userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseUnits(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, strconv.ErrRange
	}
	return v, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
