package handler

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/questhub-engine/internal/domain"
)

// BeginOAuth starts linking a social account. With ?redirect=true the
// participant is sent straight to the platform.
func (h *Handler) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		h.writeDomainError(w, r, "oauth begin", err)
		return
	}

	start, err := h.Links.BeginLink(r.Context(), participantFrom(r.Context()).ID, p)
	if err != nil {
		h.writeDomainError(w, r, "oauth begin", err)
		return
	}

	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, start.AuthorizationURL, http.StatusFound)
		return
	}
	h.writeSuccess(w, start)
}

// OAuthCallback completes linking. The whole parameter set is handed on
// because the Telegram widget signs its profile fields instead of issuing a
// code. The widget delivers those fields to page script (data-onauth or the
// #tgAuthResult fragment), so the client posts them here together with state,
// either form-encoded or as a JSON object.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		h.writeDomainError(w, r, "oauth callback", err)
		return
	}
	params, err := callbackParams(w, r)
	if err != nil {
		h.writeDomainError(w, r, "oauth callback", err)
		return
	}

	pid := participantFrom(r.Context()).ID
	if _, err := h.Links.CompleteLink(r.Context(), pid, p, params); err != nil {
		h.writeDomainError(w, r, "oauth callback", err)
		return
	}

	participant, err := h.Resolver.GetCanonicalIdentity(r.Context(), pid)
	if err != nil {
		h.writeDomainError(w, r, "oauth callback", err)
		return
	}
	h.writeSuccess(w, participant)
}

// callbackParams merges the query with a posted body. Body fields win.
func callbackParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	params := r.URL.Query()
	if r.Method != http.MethodPost {
		return params, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, domain.Invalid("body", "malformed form")
		}
		for k, v := range r.PostForm {
			params[k] = v
		}
		return params, nil
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, domain.Invalid("body", "malformed json")
	}
	for k, v := range fields {
		switch v := v.(type) {
		case string:
			params.Set(k, v)
		case json.Number:
			params.Set(k, v.String())
		case nil:
		default:
			params.Set(k, fmt.Sprint(v))
		}
	}
	return params, nil
}
