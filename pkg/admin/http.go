package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
	"github.com/kadirpekel/chatgate/pkg/verification"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	service *Service
	token   string
}

// NewHandler creates a Handler. Requests must carry token as a bearer
// credential; an empty token rejects every request.
func NewHandler(service *Service, token string) *Handler {
	return &Handler{service: service, token: token}
}

// Routes registers the admin endpoints on r.
//
//	GET    /identities/{identity}/usage
//	DELETE /identities/{identity}/usage?window=minute&window=day
//	GET    /identities/{identity}/verification
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.requireToken)
	r.Route("/identities/{identity}", func(r chi.Router) {
		r.Get("/usage", h.handleUsage)
		r.Delete("/usage", h.handleReset)
		r.Get("/verification", h.handleVerification)
	})
}

// Router returns a standalone router serving Routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if h.token == "" || token == authHeader ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type usageResponse struct {
	Identity string        `json:"identity"`
	Windows  []WindowUsage `json:"windows"`
}

type resetResponse struct {
	Identity string   `json:"identity"`
	Windows  []string `json:"windows"`
	Deleted  int64    `json:"deleted"`
}

type verificationResponse struct {
	Identity string               `json:"identity"`
	Verified bool                 `json:"verified"`
	Record   *verification.Record `json:"record,omitempty"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	windows, err := h.service.Usage(r.Context(), id)
	if err != nil {
		h.service.logger.Error("Usage query failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, usageResponse{Identity: id.String(), Windows: windows})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	var units []ratelimit.Unit
	for _, raw := range r.URL.Query()["window"] {
		for _, name := range strings.Split(raw, ",") {
			u, err := ratelimit.ParseUnit(strings.TrimSpace(name))
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_window", err.Error())
				return
			}
			units = append(units, u)
		}
	}

	n, err := h.service.Reset(r.Context(), id, units...)
	if err != nil {
		h.service.logger.Error("Counter reset failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	resp := resetResponse{Identity: id.String(), Deleted: n}
	if len(units) == 0 {
		units = ratelimit.Units
	}
	for _, u := range units {
		resp.Windows = append(resp.Windows, string(u))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	rec, err := h.service.Verification(r.Context(), id)
	switch {
	case errors.Is(err, verification.ErrNoRecord):
		respondJSON(w, http.StatusOK, verificationResponse{Identity: id.String()})
	case err != nil:
		h.service.logger.Error("Verification query failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		respondJSON(w, http.StatusOK, verificationResponse{Identity: id.String(), Verified: true, Record: rec})
	}
}

func identityParam(w http.ResponseWriter, r *http.Request) (identity.Key, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return identity.Key{}, false
	}
	id, err := identity.ParseKey(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return identity.Key{}, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ratelimit.ErrorBody{
		Error: ratelimit.ErrorDetail{Code: code, Message: message},
	})
}
