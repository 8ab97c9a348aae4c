package routes

import (
	"errors"
	"net/http"

	"notoristake/gateway/middleware"
	"notoristake/services/identity"
)

type verifyRequest struct {
	Payload identity.Proof `json:"payload"`
	Action  string         `json:"action"`
	Signal  string         `json:"signal"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail"`
}

func (a *api) verify(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	action := trimmed(req.Action)
	if action == "" {
		action = a.cfg.ActionID
	}
	_, err := a.cfg.Identity.Verify(r.Context(), session.Address, req.Payload, a.cfg.AppID, action, req.Signal)
	if err != nil {
		status, code, detail := classify(err)
		if errors.Is(err, identity.ErrProofInvalid) {
			if oracleCode, oracleDetail, ok := identity.RejectionDetail(err); ok {
				code, detail = oracleCode, oracleDetail
			}
		}
		if status >= http.StatusInternalServerError {
			a.writeError(w, r, err)
			return
		}
		middleware.WriteJSON(w, status, verifyResponse{Success: false, Code: code, Detail: detail})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, verifyResponse{Success: true, Detail: "Successfully verified."})
}
