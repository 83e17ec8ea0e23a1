package procurement

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/rbac"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func newTestRouter(t *testing.T) (*harness, http.Handler) {
	t.Helper()
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, h.svc, rbac.Middleware{Logger: logger}, &memoryIdempotency{})
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return h, r
}

func do(t *testing.T, router http.Handler, actor *shared.Actor, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(rbac.HeaderActorID, strconv.FormatInt(actor.ID, 10))
		req.Header.Set(rbac.HeaderActorName, actor.Name)
		req.Header.Set(rbac.HeaderActorRole, string(actor.Role))
		ids := make([]string, 0, len(actor.LocationIDs))
		for _, id := range actor.LocationIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		req.Header.Set(rbac.HeaderActorLocations, strings.Join(ids, ","))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerRequiresActor(t *testing.T) {
	_, router := newTestRouter(t)
	rec := do(t, router, nil, http.MethodGet, "/prfs/1", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])
}

func TestHandlerPRFSubmitEnvelope(t *testing.T) {
	_, router := newTestRouter(t)
	rec := do(t, router, &operator, http.MethodPost, "/prfs", map[string]any{
		"location_id": 1,
		"period_id":   7,
		"lines": []map[string]any{
			{"item_id": 100, "description": "bolts", "quantity": "4", "estimated_price": "2.50"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeBody(t, rec)["data"].(map[string]any)
	id := int64(data["id"].(float64))
	require.Equal(t, "PRF-JKT-05-Mar-2025-01", data["number"])

	rec = do(t, router, &operator, http.MethodPost, "/prfs/"+strconv.FormatInt(id, 10)+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, true, body["email_sent"])
	require.Equal(t, float64(2), body["email_recipients"])
	require.NotEmpty(t, body["message"])
	require.Equal(t, "PENDING", body["data"].(map[string]any)["status"])

	rec = do(t, router, &supervisor, http.MethodPost, "/prfs/"+strconv.FormatInt(id, 10)+"/reject", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "REQUIRED_FIELD_MISSING", decodeBody(t, rec)["code"])
}

func TestHandlerRejectsUnknownFields(t *testing.T) {
	_, router := newTestRouter(t)
	rec := do(t, router, &operator, http.MethodPost, "/prfs", map[string]any{"location_id": 1, "period_id": 7, "colour": "red"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "BAD_REQUEST", decodeBody(t, rec)["code"])
}

func TestHandlerIdempotentCreate(t *testing.T) {
	_, router := newTestRouter(t)
	body := map[string]any{"location_id": 1, "period_id": 7}
	rec := do(t, router, &operator, http.MethodPost, "/prfs", body, HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, router, &operator, http.MethodPost, "/prfs", body, HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "CONFLICT", decodeBody(t, rec)["code"])

	// a failed request frees its key
	rec = do(t, router, &operator, http.MethodPost, "/prfs", map[string]any{"location_id": 0, "period_id": 7}, HeaderIdempotencyKey, "k-2")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, &operator, http.MethodPost, "/prfs", body, HeaderIdempotencyKey, "k-2")
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandlerDeliveryPostAndClose(t *testing.T) {
	h, router := newTestRouter(t)
	po := h.openPO(t, "10", "5")
	poPath := "/pos/" + strconv.FormatInt(po.ID, 10)

	rec := do(t, router, &operator, http.MethodPost, "/deliveries", map[string]any{
		"po_id":          po.ID,
		"invoice_number": "INV-7",
		"lines": []map[string]any{
			{"po_line_id": po.Lines[0].ID, "quantity": "4"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	delivery := decodeBody(t, rec)["data"].(map[string]any)
	deliveryPath := "/deliveries/" + strconv.FormatInt(int64(delivery["id"].(float64)), 10)

	rec = do(t, router, &operator, http.MethodPost, deliveryPath+"/post", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, false, body["po_auto_closed"])
	require.Equal(t, "POSTED", body["data"].(map[string]any)["status"])

	rec = do(t, router, &operator, http.MethodPost, deliveryPath+"/post", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "ALREADY_POSTED", decodeBody(t, rec)["code"])

	rec = do(t, router, &operator, http.MethodGet, "/pos/open?location_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["data"], 1)

	rec = do(t, router, &supervisor, http.MethodPost, poPath+"/close", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "REQUIRED_FIELD_MISSING", decodeBody(t, rec)["code"])

	rec = do(t, router, &supervisor, http.MethodPost, poPath+"/close", map[string]any{"closure_reason": "short shipped"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	require.Equal(t, false, body["prf_closed"])
	summary := body["fulfillment_summary"].(map[string]any)
	require.Equal(t, true, summary["has_unfulfilled_items"])
	require.Equal(t, "26.67", summary["fulfillment_percent"])

	rec = do(t, router, &operator, http.MethodGet, poPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "CLOSED", decodeBody(t, rec)["data"].(map[string]any)["status"])
}

func TestHandlerLockedDeliveryStatus(t *testing.T) {
	h, router := newTestRouter(t)
	po := h.openPO(t, "1")
	d := h.draftDelivery(t, po, "4")
	path := "/deliveries/" + strconv.FormatInt(d.ID, 10)

	rec := do(t, router, &operator, http.MethodPost, path+"/send-for-approval", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, router, &supervisor, http.MethodPost, path+"/reject-over-delivery", map[string]any{"reason": "too many"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody(t, rec)["email_sent"])

	rec = do(t, router, &admin, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusLocked, rec.Code)
	require.Equal(t, "DELIVERY_LOCKED", decodeBody(t, rec)["code"])
}

func TestHandlerErrorMapping(t *testing.T) {
	_, router := newTestRouter(t)
	rec := do(t, router, &operator, http.MethodGet, "/deliveries/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, &operator, http.MethodGet, "/deliveries/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "ENTITY_NOT_FOUND", problem.Code)

	rec = do(t, router, &operator, http.MethodPost, "/pos", map[string]any{
		"supplier_id": 5, "location_id": 1, "period_id": 7,
		"lines": []map[string]any{{"item_id": 1, "description": "x", "quantity": "1", "unit_price": "1"}},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "PERMISSION_DENIED", decodeBody(t, rec)["code"])
}
