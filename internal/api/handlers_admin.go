package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
)

type reorderRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,uuid"`
}

type settleRequest struct {
	Status string `json:"status" validate:"required,oneof=completed failed cancelled"`
}

// overdraftAction is one admin verb on an overdraft.
type overdraftAction func(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)

// authorizeOverdraft loads the overdraft and checks the caller may manage its group.
func (h *Handlers) authorizeOverdraft(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	overdraftID, ok := uuidParam(w, r, "overdraftID")
	if !ok {
		return uuid.Nil, false
	}
	claims, ok := GetAdminClaims(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing admin claims")
		return uuid.Nil, false
	}
	if claims.Role == RoleAdmin {
		return overdraftID, true
	}
	o, err := h.service.GetOverdraft(r.Context(), overdraftID)
	if err != nil {
		writeServiceError(w, h.logger, endpoint, err)
		return uuid.Nil, false
	}
	if !claims.CanManageGroup(o.GroupID) {
		writeError(w, http.StatusForbidden, "forbidden", "token is not scoped to this group")
		return uuid.Nil, false
	}
	return overdraftID, true
}

func (h *Handlers) overdraftActionHandler(endpoint string, action overdraftAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overdraftID, ok := h.authorizeOverdraft(w, r, endpoint)
		if !ok {
			return
		}
		o, err := action(r.Context(), overdraftID)
		if err != nil {
			writeServiceError(w, h.logger, endpoint, err)
			return
		}
		claims, _ := GetAdminClaims(r.Context())
		h.logger.Info("overdraft updated by admin", "endpoint", endpoint, "overdraft_id", overdraftID, "status", o.Status, "actor", claims.Subject, "role", claims.Role)
		writeJSON(w, http.StatusOK, o)
	}
}

// ApproveOverdraftHandler approves a pending overdraft.
func (h *Handlers) ApproveOverdraftHandler() http.HandlerFunc {
	return h.overdraftActionHandler("approve_overdraft", h.service.ApproveOverdraft)
}

// RejectOverdraftHandler rejects a pending overdraft.
func (h *Handlers) RejectOverdraftHandler() http.HandlerFunc {
	return h.overdraftActionHandler("reject_overdraft", h.service.RejectOverdraft)
}

// ActivateOverdraftHandler disburses an approved overdraft.
func (h *Handlers) ActivateOverdraftHandler() http.HandlerFunc {
	return h.overdraftActionHandler("activate_overdraft", h.service.ActivateOverdraft)
}

// DefaultOverdraftHandler marks an overdue overdraft as defaulted.
func (h *Handlers) DefaultOverdraftHandler() http.HandlerFunc {
	return h.overdraftActionHandler("default_overdraft", h.service.MarkOverdraftDefaulted)
}

// AdvanceRotationHandler issues the current payout and moves the group on.
func (h *Handlers) AdvanceRotationHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	advance, err := h.service.AdvanceRotation(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, h.logger, "advance_rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, advance)
}

// ReorderRotationHandler replaces the payout order of unpaid members.
func (h *Handlers) ReorderRotationHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req reorderRequest
	if !h.decodeAndValidate(w, r, "reorder_rotation", &req) {
		return
	}
	userIDs := make([]uuid.UUID, len(req.UserIDs))
	for i, raw := range req.UserIDs {
		userIDs[i] = uuid.MustParse(raw)
	}

	if err := h.service.ReorderRotation(r.Context(), groupID, userIDs); err != nil {
		writeServiceError(w, h.logger, "reorder_rotation", err)
		return
	}
	view, err := h.service.GetRotationSchedule(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, h.logger, "reorder_rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RemoveMemberHandler removes an unpaid member from the group.
func (h *Handlers) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.service.RemoveMember(r.Context(), groupID, userID); err != nil {
		writeServiceError(w, h.logger, "remove_member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SettleTransactionHandler records the disbursement outcome of a payout.
func (h *Handlers) SettleTransactionHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := uuidParam(w, r, "transactionID")
	if !ok {
		return
	}
	var req settleRequest
	if !h.decodeAndValidate(w, r, "settle_transaction", &req) {
		return
	}
	tx, err := h.service.SettlePayout(r.Context(), transactionID, domain.Status(req.Status))
	if err != nil {
		writeServiceError(w, h.logger, "settle_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
