package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenUser struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int       `json:"expires_in"`
	ConnectionID string    `json:"connection_id,omitempty"`
	User         tokenUser `json:"user"`
}

func newTokenResponse(tok auth.Token, p auth.Principal, now time.Time) tokenResponse {
	return tokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   tok.ExpiresAt,
		ExpiresIn:   int(tok.ExpiresAt.Sub(now).Round(time.Second) / time.Second),
		User:        tokenUser{ID: p.UserID, Name: p.Name},
	}
}

// TokenHandler exchanges an API key for a live bearer token and a fresh
// connection id.
type TokenHandler struct {
	Config config.Config
	Keys   auth.KeySet
	Tokens *auth.Tokens
	Logger *slog.Logger
}

func (h TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var p auth.Principal
	switch h.Config.AuthMode {
	case config.AuthModeDisabled:
		p = auth.Principal{UserID: auth.AnonymousUser, Name: auth.AnonymousUser}
	default:
		var ok bool
		p, ok = h.Keys.Lookup(req.APIKey)
		if !ok {
			writeError(w, r, &apierror.Error{
				Type:    apierror.ErrAuthentication,
				Message: "invalid api key",
				Param:   "api_key",
			})
			return
		}
	}

	tok, err := h.Tokens.Issue(p)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("issue token", "error", err)
		}
		writeError(w, r, err)
		return
	}
	resp := newTokenResponse(tok, p, time.Now())
	resp.ConnectionID = mnemonic.MustGenerate(mnemonic.ConnectionWords).String()
	writeJSON(w, http.StatusOK, resp)
}

// RefreshHandler reissues a token that is valid or expired within the
// refresh grace. The client keeps its connection id.
type RefreshHandler struct {
	Tokens *auth.Tokens
}

func (h RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.ParseBearer(r)
	if !ok {
		writeError(w, r, &apierror.Error{
			Type:    apierror.ErrAuthentication,
			Message: "missing bearer token",
			Param:   "Authorization",
		})
		return
	}
	tok, p, err := h.Tokens.Refresh(token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(tok, p, time.Now()))
}
