package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"notoristake/core/chain"
	"notoristake/gateway/middleware"
)

type confirmPaymentRequest struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
}

// paymentFailure reports a rejected confirmation with the upstream status.
type paymentFailure struct {
	middleware.ErrorBody
	Reference string       `json:"reference"`
	Status    chain.Status `json:"status"`
}

func (a *api) initiatePayment(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	reference, err := a.cfg.Payments.Initiate(r.Context(), session.Address)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"reference": reference})
}

func (a *api) confirmPayment(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.cfg.Payments.Confirm(r.Context(), session.Address, req.Reference, req.TransactionID)
	if err != nil && out.Upstream != "" {
		status, code, detail := classify(err)
		middleware.WriteJSON(w, status, paymentFailure{
			ErrorBody: middleware.ErrorBody{Success: false, Code: code, Detail: detail},
			Reference: out.Reference,
			Status:    out.Upstream,
		})
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"reference": out.Reference,
		"status":    out.Upstream,
	})
}

func (a *api) confirmTransaction(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if trimmed(req.TransactionID) == "" {
		a.writeError(w, r, fmt.Errorf("%w: transaction_id required", errBadRequest))
		return
	}
	if a.cfg.Transactions == nil {
		a.writeError(w, r, chain.ErrNotConfigured)
		return
	}
	receipt, err := a.cfg.Transactions.PollStatus(r.Context(), chain.TxID(trimmed(req.TransactionID)))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var transaction interface{} = receipt
	if len(receipt.Raw) > 0 && json.Valid(receipt.Raw) {
		transaction = receipt.Raw
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"transaction": transaction,
	})
}
