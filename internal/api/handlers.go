/**
 * @description
 * HTTP handlers for the ledger-service's internal API. The messaging layer
 * calls these on behalf of WhatsApp members: contribute, check a balance,
 * list history, view the rotation and request or repay an overdraft.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/go-playground/validator/v10: Request body validation.
 * - internal/app, internal/domain: Service verbs and records.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/app"
	"github.com/kijumbe/ledger-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// LedgerService is the set of service verbs the HTTP API exposes.
type LedgerService interface {
	RequestPayment(ctx context.Context, req app.PaymentRequest) (*app.ContributionReceipt, error)
	GetBalance(ctx context.Context, groupID, userID uuid.UUID) (int64, error)
	GetGroupTotal(ctx context.Context, groupID uuid.UUID) (int64, error)
	GetHistory(ctx context.Context, groupID, userID uuid.UUID, limit int) ([]domain.Transaction, error)
	GetOverdraftEligibility(ctx context.Context, groupID, userID uuid.UUID) (int64, error)
	GetRotationSchedule(ctx context.Context, groupID uuid.UUID) (*app.RotationScheduleView, error)

	RequestOverdraft(ctx context.Context, req app.OverdraftRequest) (*domain.Overdraft, error)
	RepayOverdraft(ctx context.Context, overdraftID uuid.UUID, amount int64) (*app.RepaymentResult, error)
	GetOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)
	ApproveOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)
	RejectOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)
	ActivateOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)
	MarkOverdraftDefaulted(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)

	AdvanceRotation(ctx context.Context, groupID uuid.UUID) (*app.Advance, error)
	ReorderRotation(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error
	RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error
	SettlePayout(ctx context.Context, transactionID uuid.UUID, status domain.Status) (*domain.Transaction, error)

	HandleGatewayCallback(ctx context.Context, body []byte, signature string) (*app.ReconciliationResult, error)
}

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service  LedgerService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service LedgerService, logger *slog.Logger) *Handlers {
	return &Handlers{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "api"),
	}
}

type contributionRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	PhoneNumber string `json:"phone_number" validate:"required,min=9,max=20"`
	Type        string `json:"type" validate:"omitempty,oneof=contribution insurance penalty"`
}

type overdraftRequest struct {
	UserID                string `json:"user_id" validate:"required,uuid"`
	Amount                int64  `json:"amount" validate:"required,gt=0"`
	Purpose               string `json:"purpose" validate:"required,max=500"`
	RepaymentPeriodMonths int    `json:"repayment_period_months" validate:"required,gte=1"`
}

type repaymentRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type balanceResponse struct {
	GroupID              uuid.UUID `json:"group_id"`
	UserID               uuid.UUID `json:"user_id"`
	Balance              int64     `json:"balance"`
	GroupTotal           int64     `json:"group_total"`
	OverdraftEligibility int64     `json:"overdraft_eligibility"`
}

type historyResponse struct {
	GroupID      uuid.UUID            `json:"group_id"`
	UserID       uuid.UUID            `json:"user_id"`
	Transactions []domain.Transaction `json:"transactions"`
}

type contributionErrorResponse struct {
	errorResponse
	Receipt *app.ContributionReceipt `json:"receipt,omitempty"`
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the 400 itself and returns false when the body is unusable.
func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.logger.Warn("invalid request body", "endpoint", endpoint, "error", err)
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// uuidParam parses a chi URL parameter, writing a 400 when it is not a UUID.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// ContributionHandler records a pending contribution and starts the charge.
func (h *Handlers) ContributionHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req contributionRequest
	if !h.decodeAndValidate(w, r, "contribution", &req) {
		return
	}
	paymentType := domain.TransactionTypeContribution
	if req.Type != "" {
		paymentType = domain.TransactionType(req.Type)
	}

	receipt, err := h.service.RequestPayment(r.Context(), app.PaymentRequest{
		GroupID:     groupID,
		UserID:      uuid.MustParse(req.UserID),
		Type:        paymentType,
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		if receipt != nil {
			// The payment is recorded and still pending; a callback may settle it.
			h.logger.Warn("contribution recorded without charge", "group_id", groupID, "reference", receipt.PaymentReference, "error", err)
			writeJSON(w, statusFor(err), contributionErrorResponse{
				errorResponse: errorResponse{Error: err.Error(), Code: domain.CategoryName(err)},
				Receipt:       receipt,
			})
			return
		}
		writeServiceError(w, h.logger, "contribution", err)
		return
	}

	h.logger.Info("contribution requested", "group_id", groupID, "user_id", req.UserID, "reference", receipt.PaymentReference, "amount", receipt.Amount)
	writeJSON(w, http.StatusAccepted, receipt)
}

// BalanceHandler returns a member's balance, the group pool and the
// member's overdraft eligibility.
func (h *Handlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), groupID, userID)
	if err != nil {
		writeServiceError(w, h.logger, "balance", err)
		return
	}
	total, err := h.service.GetGroupTotal(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, h.logger, "balance", err)
		return
	}
	eligibility, err := h.service.GetOverdraftEligibility(r.Context(), groupID, userID)
	if err != nil {
		writeServiceError(w, h.logger, "balance", err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		GroupID:              groupID,
		UserID:               userID,
		Balance:              balance,
		GroupTotal:           total,
		OverdraftEligibility: eligibility,
	})
}

// HistoryHandler lists a member's recent transactions, newest first.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	txs, err := h.service.GetHistory(r.Context(), groupID, userID, limit)
	if err != nil {
		writeServiceError(w, h.logger, "history", err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, historyResponse{GroupID: groupID, UserID: userID, Transactions: txs})
}

// RotationScheduleHandler returns the group's payout order.
func (h *Handlers) RotationScheduleHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	view, err := h.service.GetRotationSchedule(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, h.logger, "rotation_schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RequestOverdraftHandler creates a pending overdraft request.
func (h *Handlers) RequestOverdraftHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req overdraftRequest
	if !h.decodeAndValidate(w, r, "request_overdraft", &req) {
		return
	}

	o, err := h.service.RequestOverdraft(r.Context(), app.OverdraftRequest{
		GroupID:               groupID,
		UserID:                uuid.MustParse(req.UserID),
		Amount:                req.Amount,
		Purpose:               req.Purpose,
		RepaymentPeriodMonths: req.RepaymentPeriodMonths,
	})
	if err != nil {
		writeServiceError(w, h.logger, "request_overdraft", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// RepayOverdraftHandler credits a repayment against an active overdraft.
func (h *Handlers) RepayOverdraftHandler(w http.ResponseWriter, r *http.Request) {
	overdraftID, ok := uuidParam(w, r, "overdraftID")
	if !ok {
		return
	}
	var req repaymentRequest
	if !h.decodeAndValidate(w, r, "repay_overdraft", &req) {
		return
	}

	result, err := h.service.RepayOverdraft(r.Context(), overdraftID, req.Amount)
	if err != nil {
		writeServiceError(w, h.logger, "repay_overdraft", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetOverdraftHandler returns one overdraft.
func (h *Handlers) GetOverdraftHandler(w http.ResponseWriter, r *http.Request) {
	overdraftID, ok := uuidParam(w, r, "overdraftID")
	if !ok {
		return
	}
	o, err := h.service.GetOverdraft(r.Context(), overdraftID)
	if err != nil {
		writeServiceError(w, h.logger, "get_overdraft", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
