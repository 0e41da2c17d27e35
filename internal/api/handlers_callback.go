package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/kijumbe/ledger-service/internal/app"
	"github.com/kijumbe/ledger-service/pkg/gateway"
)

type callbackResponse struct {
	Outcome   app.ReconciliationOutcome `json:"outcome"`
	Reference string                    `json:"reference"`
}

// GatewayCallbackHandler applies a payment gateway status callback. The raw
// body is passed through untouched because the signature covers its bytes.
// Unknown references are acknowledged with 200 so the gateway stops retrying.
func (h *Handlers) GatewayCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "validation", "callback body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "validation", "unable to read callback body")
		return
	}

	result, err := h.service.HandleGatewayCallback(r.Context(), body, r.Header.Get(gateway.SignatureHeader))
	if err != nil {
		writeServiceError(w, h.logger, "gateway_callback", err)
		return
	}

	h.logger.Info("gateway callback handled", "reference", result.Reference, "outcome", result.Outcome)
	writeJSON(w, http.StatusOK, callbackResponse{Outcome: result.Outcome, Reference: result.Reference})
}
