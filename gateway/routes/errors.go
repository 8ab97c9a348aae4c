package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"notoristake/core/chain"
	stakeerr "notoristake/core/errors"
	"notoristake/gateway/auth"
	"notoristake/gateway/middleware"
	"notoristake/services/identity"
	"notoristake/services/payments"
)

const requestLimit = 1 << 20 // 1 MiB

var errBadRequest = errors.New("invalid request")

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps every domain sentinel to its HTTP status and code. Order
// matters only where errors wrap one another.
var errorTable = []errorMapping{
	{errBadRequest, http.StatusBadRequest, "invalid_request"},

	{auth.ErrNonceMissing, http.StatusUnprocessableEntity, "nonce_missing"},
	{auth.ErrNonceNotFound, http.StatusUnauthorized, "nonce_not_found"},
	{auth.ErrNonceExpired, http.StatusUnauthorized, "nonce_expired"},
	{auth.ErrSignatureMismatch, http.StatusUnauthorized, "signature_mismatch"},
	{auth.ErrAlreadyConsumed, http.StatusUnauthorized, "already_consumed"},
	{auth.ErrSessionInvalid, http.StatusUnauthorized, "unauthenticated"},
	{auth.ErrSessionRevoked, http.StatusUnauthorized, "unauthenticated"},

	{identity.ErrAppNotConfigured, http.StatusInternalServerError, "app_not_configured"},
	{identity.ErrNullifierReused, http.StatusBadRequest, "nullifier_reused"},
	{identity.ErrProofInvalid, http.StatusBadRequest, "invalid_proof"},

	{payments.ErrUpstreamNotConfigured, http.StatusInternalServerError, "not_configured"},
	{payments.ErrReferenceNotFound, http.StatusNotFound, "reference_not_found"},
	{payments.ErrUnauthorized, http.StatusForbidden, "forbidden"},
	{payments.ErrAlreadyConsumed, http.StatusConflict, "already_consumed"},
	{payments.ErrReferenceMismatch, http.StatusBadRequest, "reference_mismatch"},
	{payments.ErrTransactionFailed, http.StatusBadRequest, "transaction_failed"},
	{payments.ErrTransactionIDRequired, http.StatusBadRequest, "invalid_request"},

	{stakeerr.ErrZeroAmount, http.StatusBadRequest, "zero_amount"},
	{stakeerr.ErrInsufficientPrincipal, http.StatusBadRequest, "insufficient_principal"},
	{stakeerr.ErrNothingToClaim, http.StatusBadRequest, "nothing_to_claim"},
	{stakeerr.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{stakeerr.ErrOverflow, http.StatusBadRequest, "overflow"},

	{chain.ErrApprovalRequired, http.StatusBadRequest, "approval_required"},
	{chain.ErrSignedTxInvalid, http.StatusBadRequest, "invalid_transaction"},
	{chain.ErrUnsupportedFunction, http.StatusBadRequest, "unsupported_function"},
	{chain.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{chain.ErrNotConfigured, http.StatusInternalServerError, "not_configured"},
	{chain.ErrUpstream, http.StatusBadGateway, "upstream_unavailable"},
}

// classify returns the status, code and client-safe detail for err.
func classify(err error) (int, string, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			detail := err.Error()
			if m.status >= http.StatusInternalServerError {
				detail = m.err.Error()
			}
			return m.status, m.code, detail
		}
	}
	var portalErr *chain.PortalError
	if errors.As(err, &portalErr) {
		return http.StatusBadGateway, "upstream_error", portalErr.Error()
	}
	return http.StatusInternalServerError, "internal", "internal error"
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, detail := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	middleware.WriteError(w, status, code, detail)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
