package procurement

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/rbac"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// HeaderIdempotencyKey lets clients safely retry create requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// IdempotencyPort claims request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler manages procurement endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rbac        rbac.Middleware
	idempotency IdempotencyPort
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, idem IdempotencyPort) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, idempotency: idem}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Authenticate)

		r.Post("/prfs", h.createPRF)
		r.Get("/prfs/{id}", h.getPRF)
		r.Put("/prfs/{id}", h.updatePRF)
		r.Delete("/prfs/{id}", h.deletePRF)
		r.Post("/prfs/{id}/submit", h.submitPRF)
		r.Post("/prfs/{id}/approve", h.approvePRF)
		r.Post("/prfs/{id}/reject", h.rejectPRF)
		r.Post("/prfs/{id}/clone", h.clonePRF)

		r.Post("/pos", h.createPO)
		r.Get("/pos/open", h.listOpenPOs)
		r.Get("/pos/{id}", h.getPO)
		r.Post("/pos/{id}/close", h.closePO)

		r.Post("/deliveries", h.createDelivery)
		r.Get("/deliveries/{id}", h.getDelivery)
		r.Put("/deliveries/{id}", h.updateDelivery)
		r.Delete("/deliveries/{id}", h.deleteDelivery)
		r.Post("/deliveries/{id}/send-for-approval", h.sendForApproval)
		r.Post("/deliveries/{id}/approve-over-delivery", h.approveOverDelivery)
		r.Post("/deliveries/{id}/reject-over-delivery", h.rejectOverDelivery)
		r.Post("/deliveries/{id}/post", h.postDelivery)
	})
}

type dataResponse struct {
	Data any `json:"data"`
}

type notifiedResponse struct {
	Data            any    `json:"data"`
	Message         string `json:"message,omitempty"`
	EmailSent       bool   `json:"email_sent"`
	EmailRecipients int    `json:"email_recipients,omitempty"`
	EmailError      string `json:"email_error,omitempty"`
}

func notified(data any, message string, n Notification) notifiedResponse {
	return notifiedResponse{
		Data:            data,
		Message:         message,
		EmailSent:       n.Sent,
		EmailRecipients: n.Recipients,
		EmailError:      n.Error,
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type closeRequest struct {
	ClosureReason string `json:"closure_reason"`
}

type createPORequest struct {
	PRFID             int64            `json:"prf_id"`
	SupplierID        int64            `json:"supplier_id"`
	LocationID        int64            `json:"location_id"`
	PeriodID          int64            `json:"period_id"`
	Notes             string           `json:"notes"`
	DefaultVATPercent decimal.Decimal  `json:"default_vat_percent"`
	Overrides         []POLineOverride `json:"overrides"`
	Lines             []POLineInput    `json:"lines"`
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return shared.Actor{}, false
	}
	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrBadRequest)
		return 0, false
	}
	return id, true
}

// decodeOptional decodes a body that may be empty.
func decodeOptional(r *http.Request, target any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return httpx.DecodeJSON(r, target)
}

// claim reserves the request's idempotency key. The returned release
// frees the key again when the request fails.
func (h *Handler) claim(w http.ResponseWriter, r *http.Request, module string) (func(), bool) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || h.idempotency == nil {
		return func() {}, true
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return func() {
		if err := h.idempotency.Delete(r.Context(), key); err != nil {
			h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
		}
	}, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("procurement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) createPRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var input CreatePRFInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	release, ok := h.claim(w, r, "prf.create")
	if !ok {
		return
	}
	prf, err := h.service.CreatePRF(r.Context(), actor, input)
	if err != nil {
		release()
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dataResponse{Data: prf})
}

func (h *Handler) getPRF(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	prf, err := h.service.GetPRF(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse{Data: prf})
}

func (h *Handler) updatePRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input UpdatePRFInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	prf, err := h.service.UpdatePRF(r.Context(), actor, id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse{Data: prf})
}

func (h *Handler) deletePRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePRF(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitPRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.SubmitPRF(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, notified(res.PRF, res.Message, res.Notification))
}

func (h *Handler) approvePRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.ApprovePRF(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, notified(res.PRF, res.Message, res.Notification))
}

func (h *Handler) rejectPRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.RejectPRF(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, notified(res.PRF, res.Message, res.Notification))
}

func (h *Handler) clonePRF(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	prf, err := h.service.ClonePRF(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dataResponse{Data: prf})
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	release, ok := h.claim(w, r, "po.create")
	if !ok {
		return
	}
	var (
		po  PO
		err error
	)
	if req.PRFID > 0 {
		po, err = h.service.CreatePOFromPRF(r.Context(), actor, CreatePOFromPRFInput{
			PRFID:             req.PRFID,
			SupplierID:        req.SupplierID,
			Notes:             req.Notes,
			DefaultVATPercent: req.DefaultVATPercent,
			Overrides:         req.Overrides,
		})
	} else {
		po, err = h.service.CreatePO(r.Context(), actor, CreatePOInput{
			SupplierID: req.SupplierID,
			LocationID: req.LocationID,
			PeriodID:   req.PeriodID,
			Notes:      req.Notes,
			Lines:      req.Lines,
		})
	}
	if err != nil {
		release()
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dataResponse{Data: po})
}

func (h *Handler) listOpenPOs(w http.ResponseWriter, r *http.Request) {
	locationID, err := strconv.ParseInt(r.URL.Query().Get("location_id"), 10, 64)
	if err != nil {
		h.fail(w, r, httpx.ErrBadRequest)
		return
	}
	pos, err := h.service.ListOpenPOs(r.Context(), locationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pos == nil {
		pos = []PO{}
	}
	httpx.JSON(w, http.StatusOK, dataResponse{Data: pos})
}

func (h *Handler) getPO(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetPO(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) closePO(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.ClosePO(r.Context(), actor, id, req.ClosureReason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) createDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var input CreateDeliveryInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	release, ok := h.claim(w, r, "delivery.create")
	if !ok {
		return
	}
	d, err := h.service.CreateDelivery(r.Context(), actor, input)
	if err != nil {
		release()
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dataResponse{Data: d})
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.service.GetDelivery(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse{Data: d})
}

func (h *Handler) updateDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input UpdateDeliveryInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.service.UpdateDelivery(r.Context(), actor, id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse{Data: d})
}

func (h *Handler) deleteDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteDelivery(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendForApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input SendForApprovalInput
	if err := decodeOptional(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.SendForApproval(r.Context(), actor, id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, notified(res.Delivery, res.Delivery.Number+" sent for approval", res.Notification))
}

func (h *Handler) approveOverDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input ApproveOverDeliveryInput
	if err := decodeOptional(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.ApproveOverDelivery(r.Context(), actor, id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, notified(res.Delivery, "over-delivery approved", res.Notification))
}

func (h *Handler) rejectOverDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.RejectOverDelivery(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, notified(res.Delivery, "over-delivery rejected", res.Notification))
}

func (h *Handler) postDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.PostDelivery(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
