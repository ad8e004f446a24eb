package checkout

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/enrollpay/internal/common"
	"github.com/noah-isme/enrollpay/internal/obs"
	"github.com/noah-isme/enrollpay/internal/session"
)

// Handler exposes pricing, promo verification and checkout sessions over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
	// PromoLimit throttles promo verification. Optional.
	PromoLimit func(http.Handler) http.Handler
	// Idempotency guards session creation. Optional.
	Idempotency func(http.Handler) http.Handler
}

// NewValidator returns a validator reporting fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(common.RequireUser)
		r.Post("/pricing/quote", h.Quote)
		r.With(optional(h.PromoLimit)).Post("/promo/verify", h.VerifyPromo)
		r.Route("/checkout/sessions", func(r chi.Router) {
			r.With(optional(h.Idempotency)).Post("/", h.StartSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/cancel", h.CancelSession)
				r.Post("/retry", h.RetrySession)
				r.Post("/redirect", h.RedirectSession)
				r.Post("/resume", h.ResumeSession)
				r.Post("/deeplink", h.DeepLink)
			})
		})
	})
}

func optional(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

type verifyRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type deepLinkRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var in QuoteInput
	if !h.decode(w, r, &in) {
		return
	}
	out, err := h.Svc.Quote(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) VerifyPromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var in verifyRequest
	if !h.decode(w, r, &in) {
		return
	}
	res := h.Svc.VerifyPromo(r.Context(), userID, in.Code)
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var in StartInput
	if !h.decode(w, r, &in) {
		return
	}
	out, err := h.Svc.Start(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": out})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	snap, err := h.Svc.Session(userID, chi.URLParam(r, "id"))
	h.respond(w, r, snap, err)
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	snap, err := h.Svc.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, snap, err)
}

func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	snap, err := h.Svc.Retry(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, snap, err)
}

func (h *Handler) RedirectSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	snap, err := h.Svc.Redirect(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, snap, err)
}

func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	snap, err := h.Svc.Resume(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, snap, err)
}

func (h *Handler) DeepLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var in deepLinkRequest
	if !h.decode(w, r, &in) {
		return
	}
	snap, matched, err := h.Svc.DeepLink(r.Context(), userID, chi.URLParam(r, "id"), in.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": snap, "matched": matched})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return "", false
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", nil)
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := common.DecodeJSON(w, r, v); err != nil {
		common.WriteError(w, err)
		return false
	}
	if h.Validate == nil {
		return true
	}
	if err := h.Validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			common.WriteError(w, err)
			return false
		}
		fields := make([]map[string]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, map[string]string{"field": fieldPath(fe), "rule": fe.Tag()})
		}
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "request validation failed", fields)
		return false
	}
	return true
}

// fieldPath drops the struct name from the namespace: QuoteInput.items[0].itemId -> items[0].itemId.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, snap session.Snapshot, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": snap})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if !common.IsAppError(err) {
		log := obs.LoggerFrom(r.Context(), h.Svc.Logger)
		log.Error().Err(err).Msg("checkout_request_failed")
	}
	common.WriteError(w, err)
}
