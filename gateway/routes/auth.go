package routes

import (
	"log/slog"
	"net/http"
	"strings"

	"notoristake/gateway/auth"
	"notoristake/gateway/middleware"
)

type siweRequest struct {
	Payload struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
		Address   string `json:"address"`
		Version   int    `json:"version"`
	} `json:"payload"`
}

type siweResponse struct {
	IsValid  bool   `json:"isValid"`
	Address  string `json:"address,omitempty"`
	Username string `json:"username,omitempty"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (a *api) nonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := a.cfg.Nonces.Issue(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.NonceCookie,
		Value:    nonce.Value,
		Path:     "/",
		MaxAge:   int(a.cfg.Nonces.TTL().Seconds()),
		Expires:  nonce.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"nonce": nonce.Value})
}

func (a *api) completeSIWE(w http.ResponseWriter, r *http.Request) {
	var req siweRequest
	if err := decodeJSON(r, &req); err != nil {
		a.siweFailure(w, r, err)
		return
	}
	bound := ""
	if cookie, err := r.Cookie(auth.NonceCookie); err == nil {
		bound = cookie.Value
	}
	address, err := a.cfg.Nonces.Verify(r.Context(), bound, req.Payload.Message, req.Payload.Signature, req.Payload.Address)
	if err != nil {
		a.siweFailure(w, r, err)
		return
	}

	username := ""
	if a.cfg.Usernames != nil {
		name, err := a.cfg.Usernames.ResolveUsername(r.Context(), address)
		if err != nil {
			a.logger.Warn("username lookup failed", slog.String("address", address.Hex()), slog.String("error", err.Error()))
		}
		username = name
	}
	token, session, err := a.cfg.Sessions.Issue(address, username)
	if err != nil {
		a.siweFailure(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.NonceCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.cfg.Sessions.TTL().Seconds()),
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	middleware.WriteJSON(w, http.StatusOK, siweResponse{IsValid: true, Address: address.Hex(), Username: username})
}

func (a *api) siweFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code, detail := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("sign-in failed", slog.String("error", err.Error()))
	}
	middleware.WriteJSON(w, status, siweResponse{IsValid: false, Code: code, Detail: detail})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := middleware.SessionFromContext(r.Context()); ok {
		a.cfg.Sessions.Revoke(session)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) requireSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		a.writeError(w, r, auth.ErrSessionInvalid)
		return auth.Session{}, false
	}
	return session, true
}

func trimmed(s string) string { return strings.TrimSpace(s) }
