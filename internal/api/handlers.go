/**
 * @description
 * This file contains the HTTP handlers for the operator API. Handlers parse the request,
 * call the transfer service, ledger or reconciler, and map domain errors onto HTTP
 * status codes with a reason string.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/store: Service logic, models and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/sinpe-service/internal/app"
	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
)

// TransferService is the orchestrator entry point used by the API. *app.Service satisfies it.
type TransferService interface {
	Transfer(ctx context.Context, intent domain.TransferIntent) (*domain.TransferResult, error)
	LookupPhone(ctx context.Context, phone string) (*domain.PhoneSubscription, error)
}

// Ledger is the read side of the store used by the API.
type Ledger interface {
	FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error)
	FindTransactionRecords(ctx context.Context, transactionID string) ([]domain.TransactionRecord, error)
	FindAccountRecords(ctx context.Context, number string, limit int) ([]domain.TransactionRecord, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ReservationReconciler releases held reservations. *app.Reconciler satisfies it.
type ReservationReconciler interface {
	Release(ctx context.Context, transactionID, reason string) (*app.ReleaseResult, error)
	RunPending(ctx context.Context) (app.ReconcileSummary, error)
}

// TransferHandlers holds the dependencies the handlers use.
type TransferHandlers struct {
	service    TransferService
	ledger     Ledger
	reconciler ReservationReconciler
}

func NewTransferHandlers(service TransferService, ledger Ledger, reconciler ReservationReconciler) *TransferHandlers {
	return &TransferHandlers{service: service, ledger: ledger, reconciler: reconciler}
}

type transferResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	NewBalance    string `json:"new_balance"`
	Local         bool   `json:"local"`
	Reply         string `json:"reply,omitempty"`
	Message       string `json:"message"`
}

type errorResponse struct {
	Error         string `json:"error"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type accountResponse struct {
	AccountNumber string  `json:"account_number"`
	OwnerName     string  `json:"owner_name"`
	Balance       string  `json:"balance"`
	Held          string  `json:"held"`
	Currency      string  `json:"currency"`
	LinkedPhone   *string `json:"linked_phone,omitempty"`
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

// CreateTransferHandler accepts an intra- or inter-bank transfer intent.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var intent domain.TransferIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.Transfer(r.Context(), intent)
	if err != nil {
		writeTransferError(w, err)
		return
	}

	message := "Transfer completed"
	if !result.Local {
		message = "Transfer delivered to receiving bank"
	}
	writeJSON(w, http.StatusCreated, transferResponse{
		TransactionID: result.TransactionID,
		Status:        result.Status,
		NewBalance:    domain.FormatAmount(domain.FromMinorUnits(result.NewBalance)),
		Local:         result.Local,
		Reply:         result.Reply,
		Message:       message,
	})
}

// GetAccountHandler returns balance, held funds and phone link of an account.
func (h *TransferHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	number := app.CanonicalAccountNumber(chi.URLParam(r, "number"))
	if err := app.ValidateAccountNumber(number); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.ledger.FindAccountByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api msg=\"account lookup failed\" account=%s err=%v", number, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		AccountNumber: account.Number,
		OwnerName:     account.OwnerName,
		Balance:       domain.FormatAmount(domain.FromMinorUnits(account.Balance)),
		Held:          domain.FormatAmount(domain.FromMinorUnits(account.Held)),
		Currency:      account.Currency,
		LinkedPhone:   account.LinkedPhone,
	})
}

// GetAccountTransactionsHandler returns the most recent audit records that name the
// account as sender or receiver, newest first. ?limit= caps the page.
func (h *TransferHandlers) GetAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	number := app.CanonicalAccountNumber(chi.URLParam(r, "number"))
	if err := app.ValidateAccountNumber(number); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	if _, err := h.ledger.FindAccountByNumber(r.Context(), number); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api msg=\"account lookup failed\" account=%s err=%v", number, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	records, err := h.ledger.FindAccountRecords(r.Context(), number, limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"account history failed\" account=%s err=%v", number, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_number": number,
		"records":        records,
	})
}

// GetPhoneHandler reports whether a phone is registered with SINPE Movil and at which bank.
func (h *TransferHandlers) GetPhoneHandler(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")

	sub, err := h.service.LookupPhone(r.Context(), phone)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMalformedIdentifier):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrUnresolvedReceiver):
			writeError(w, http.StatusNotFound, "Phone is not registered")
		default:
			log.Printf("level=error component=api msg=\"phone lookup failed\" phone=%s err=%v", phone, err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetTransactionHandler returns every audit record of a transaction.
func (h *TransferHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))

	records, err := h.ledger.FindTransactionRecords(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api msg=\"transaction lookup failed\" transaction_id=%s err=%v", transactionID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": transactionID,
		"records":        records,
	})
}

// ReleaseReservationHandler returns held funds of a failed outbound transfer to the sender.
func (h *TransferHandlers) ReleaseReservationHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))

	var req releaseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "released by operator"
	}
	if operatorID, ok := GetOperatorID(r.Context()); ok {
		reason = fmt.Sprintf("%s (operator %s)", reason, operatorID)
	}

	result, err := h.reconciler.Release(r.Context(), transactionID, reason)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrTransactionNotFound):
			writeError(w, http.StatusNotFound, "Transaction not found")
		default:
			log.Printf("level=error component=api msg=\"release failed\" transaction_id=%s err=%v", transactionID, err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RunReconciliationHandler runs one reconciliation pass immediately.
func (h *TransferHandlers) RunReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reconciler.RunPending(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"reconciliation run failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// transferStatus maps orchestrator errors onto HTTP status codes.
func transferStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrMalformedIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrUnresolvedReceiver),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, app.ErrRemoteRejection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrConfiguration):
		return http.StatusBadGateway
	case errors.Is(err, app.ErrTransport):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeTransferError(w http.ResponseWriter, err error) {
	status := transferStatus(err)
	resp := errorResponse{Error: err.Error()}

	var failure *app.TransferFailure
	if errors.As(err, &failure) {
		resp.TransactionID = failure.TransactionID
		resp.Reason = failure.Reason
	}
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"transfer failed\" transaction_id=%s err=%v", resp.TransactionID, err)
		resp.Error = "Internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
