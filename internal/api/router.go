package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/payment"
	"pos-payments-go/internal/store"
	"pos-payments-go/internal/wallet"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	ContentTypePaymentRequest = "application/bitcoin-paymentrequest"
	ContentTypePayment        = "application/bitcoin-payment"
	ContentTypePaymentAck     = "application/bitcoin-paymentack"

	maxPaymentSize = 50000
)

// Devices is what the HTTP layer needs from the device service.
type Devices interface {
	HealthCheck(ctx context.Context) error
	CreateDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error)
	GetDeposit(ctx context.Context, uid string) (*DepositResult, error)
	CancelDeposit(ctx context.Context, uid string) (*DepositResult, error)
	RefundDeposit(ctx context.Context, uid, address string) (*DepositResult, error)
	PaymentRequest(ctx context.Context, uid string) ([]byte, error)
	PaymentResponse(ctx context.Context, uid string, message []byte) ([]byte, error)
	CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error)
	GetWithdrawal(ctx context.Context, uid string) (*WithdrawalResult, error)
	ConfirmWithdrawal(ctx context.Context, deviceKey, uid, address string) (*WithdrawalResult, error)
	CancelWithdrawal(ctx context.Context, deviceKey, uid string) (*WithdrawalResult, error)
	AccountBalance(ctx context.Context, deviceKey string) (*BalanceResult, error)
	AccountHistory(ctx context.Context, deviceKey string, limit, offset int) ([]EntryRecord, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type addressRequest struct {
	Device  string `json:"device,omitempty"`
	Address string `json:"address"`
}

type deviceRequest struct {
	Device string `json:"device"`
}

// NewRouter mounts the device operations under /api/v2.
func NewRouter(svc Devices) http.Handler {
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.health)
	r.Route("/api/v2", func(r chi.Router) {
		r.Route("/deposits", func(r chi.Router) {
			r.Post("/", h.createDeposit)
			r.Get("/{uid}", h.getDeposit)
			r.Post("/{uid}/cancel", h.cancelDeposit)
			r.Post("/{uid}/refund", h.refundDeposit)
			r.Get("/{uid}/payment_request", h.paymentRequest)
			r.Post("/{uid}/payment_response", h.paymentResponse)
		})
		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.createWithdrawal)
			r.Get("/{uid}", h.getWithdrawal)
			r.Post("/{uid}/confirm", h.confirmWithdrawal)
			r.Post("/{uid}/cancel", h.cancelWithdrawal)
		})
		r.Get("/devices/{key}/balance", h.balance)
		r.Get("/devices/{key}/history", h.history)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type handlers struct {
	svc Devices
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.CreateDeposit(r.Context(), req)
	respond(w, http.StatusCreated, result, err)
}

func (h *handlers) getDeposit(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.GetDeposit(r.Context(), chi.URLParam(r, "uid"))
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) cancelDeposit(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.CancelDeposit(r.Context(), chi.URLParam(r, "uid"))
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) refundDeposit(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.RefundDeposit(r.Context(), chi.URLParam(r, "uid"), req.Address)
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) paymentRequest(w http.ResponseWriter, r *http.Request) {
	message, err := h.svc.PaymentRequest(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, ContentTypePaymentRequest, message)
}

func (h *handlers) paymentResponse(w http.ResponseWriter, r *http.Request) {
	if mediaType(r.Header.Get("Content-Type")) != ContentTypePayment {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected " + ContentTypePayment})
		return
	}
	message, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPaymentSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payment message too large"})
		return
	}
	ack, err := h.svc.PaymentResponse(r.Context(), chi.URLParam(r, "uid"), message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, ContentTypePaymentAck, ack)
}

func (h *handlers) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.CreateWithdrawal(r.Context(), req)
	respond(w, http.StatusCreated, result, err)
}

func (h *handlers) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.GetWithdrawal(r.Context(), chi.URLParam(r, "uid"))
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) confirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.ConfirmWithdrawal(r.Context(), req.Device, chi.URLParam(r, "uid"), req.Address)
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.CancelWithdrawal(r.Context(), req.Device, chi.URLParam(r, "uid"))
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.AccountBalance(r.Context(), chi.URLParam(r, "key"))
	respond(w, http.StatusOK, result, err)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	result, err := h.svc.AccountHistory(r.Context(), chi.URLParam(r, "key"), limit, offset)
	respond(w, http.StatusOK, result, err)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, result any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, result)
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(strings.ToLower(mt))
}

// StatusCode maps an operation error to the HTTP status a device sees.
func StatusCode(err error) int {
	var refundErr *engine.RefundError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrDustOutput),
		errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, engine.ErrMaxPayout),
		errors.Is(err, engine.ErrInvalidAddress),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, ErrInvalidDevice),
		errors.Is(err, ErrInvalidRequest),
		errors.As(err, &refundErr),
		payment.IsInvalidPaymentMessage(err):
		return http.StatusBadRequest
	case engine.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.Error(err))
		message = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("Failed to write response", zap.Error(err))
	}
}

func writeMessage(w http.ResponseWriter, contentType string, message []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Transfer-Encoding", "binary")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(message); err != nil {
		zap.L().Warn("Failed to write payment message", zap.Error(err))
	}
}
