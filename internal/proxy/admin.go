package proxy

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nulpointcorp/routiium/internal/auth"
	"github.com/nulpointcorp/routiium/internal/keystore"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// keyView is the sanitized key record exposed on the admin surface. Salt and
// hash never leave the keystore.
type keyView struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt *int64   `json:"expires_at,omitempty"`
	RevokedAt *int64   `json:"revoked_at,omitempty"`
	Status    string   `json:"status"`
}

func newKeyView(rec keystore.Record, now int64) keyView {
	status := "active"
	switch {
	case rec.Revoked():
		status = "revoked"
	case rec.Expired(now):
		status = "expired"
	}
	return keyView{
		ID:        rec.ID,
		Label:     rec.Label,
		Scopes:    rec.Scopes,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		RevokedAt: rec.RevokedAt,
		Status:    status,
	}
}

// requireKeys guards the /keys surface when no manager is wired.
func (g *Gateway) requireKeys(ctx *fasthttp.RequestCtx) bool {
	if g.auth != nil {
		return true
	}
	apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
		"API key manager unavailable",
		apierr.TypeServerError, apierr.CodeInternalError)
	return false
}

func (g *Gateway) handleKeysList(ctx *fasthttp.RequestCtx) {
	if !g.requireKeys(ctx) {
		return
	}
	recs, err := g.auth.List(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list keys: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	now := time.Now().Unix()
	views := make([]keyView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newKeyView(rec, now))
	}
	writeJSON(ctx, map[string]any{"keys": views, "count": len(views)})
}

func (g *Gateway) handleKeyGenerate(ctx *fasthttp.RequestCtx) {
	if !g.requireKeys(ctx) {
		return
	}

	var req struct {
		Label      string   `json:"label"`
		Scopes     []string `json:"scopes"`
		ExpiresAt  *int64   `json:"expires_at"`
		TTLSeconds *int64   `json:"ttl_seconds"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"invalid JSON: "+err.Error(),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	token, rec, err := g.auth.Generate(ctx, auth.GenerateParams{
		Label:      req.Label,
		Scopes:     req.Scopes,
		ExpiresAt:  req.ExpiresAt,
		TTLSeconds: req.TTLSeconds,
	})
	switch {
	case errors.Is(err, auth.ErrPastExpiration):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"expires_at must be in the future",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	case errors.Is(err, auth.ErrInvalidTTL):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"ttl_seconds must be > 0",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	case errors.Is(err, auth.ErrExpirationRequired):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"Expiration required: provide expires_at or ttl_seconds (or configure default TTL)",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	case err != nil:
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to generate key: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	resp := map[string]any{
		"token":      token,
		"id":         rec.ID,
		"label":      rec.Label,
		"created_at": rec.CreatedAt,
		"expires_at": rec.ExpiresAt,
	}
	if len(rec.Scopes) > 0 {
		resp["scopes"] = rec.Scopes
	}
	writeJSON(ctx, resp)
}

func (g *Gateway) handleKeyRevoke(ctx *fasthttp.RequestCtx) {
	if !g.requireKeys(ctx) {
		return
	}
	id, ok := readKeyID(ctx)
	if !ok {
		return
	}
	rec, err := g.auth.Revoke(ctx, id)
	if errors.Is(err, auth.ErrKeyNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"key not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to revoke key: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"revoked": true, "id": rec.ID})
}

func (g *Gateway) handleKeySetExpiration(ctx *fasthttp.RequestCtx) {
	if !g.requireKeys(ctx) {
		return
	}

	var req struct {
		ID         string `json:"id"`
		ExpiresAt  *int64 `json:"expires_at"`
		TTLSeconds *int64 `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.ID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'id' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.TTLSeconds != nil {
		v := time.Now().Unix() + *req.TTLSeconds
		expiresAt = &v
	}

	rec, err := g.auth.SetExpiration(ctx, req.ID, expiresAt)
	switch {
	case errors.Is(err, auth.ErrKeyNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"key not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	case errors.Is(err, auth.ErrPastExpiration):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"expires_at must be in the future",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	case errors.Is(err, auth.ErrExpirationRequired):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"Expiration required: provide expires_at or ttl_seconds (or configure default TTL)",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	case err != nil:
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to set expiration: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, map[string]any{
		"updated":    true,
		"id":         rec.ID,
		"expires_at": rec.ExpiresAt,
	})
}

// readKeyID parses the {"id": "..."} admin body.
func readKeyID(ctx *fasthttp.RequestCtx) (string, bool) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.ID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'id' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return "", false
	}
	return req.ID, true
}
