package ncr

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/rbac"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func newRouter(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	NewHandler(logger, f.svc, rbac.Middleware{Logger: logger}).MountRoutes(r)
	return f, r
}

func request(t *testing.T, router http.Handler, actor shared.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(rbac.HeaderActorID, strconv.FormatInt(actor.ID, 10))
	req.Header.Set(rbac.HeaderActorRole, string(actor.Role))
	req.Header.Set(rbac.HeaderActorLocations, "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateAndResolve(t *testing.T) {
	_, router := newRouter(t)

	rec := request(t, router, supervisor, http.MethodPost, "/ncrs", map[string]any{
		"location_id": 1,
		"value":       "12.50",
		"description": "wrong grade",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data NCR `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, TypeManual, created.Data.Type)

	path := "/ncrs/" + strconv.FormatInt(created.Data.ID, 10)
	rec = request(t, router, supervisor, http.MethodPost, path+"/transition", map[string]any{"to": "RESOLVED"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "REQUIRED_FIELD_MISSING", problem.Code)

	rec = request(t, router, supervisor, http.MethodPost, path+"/transition", map[string]any{
		"to":               "RESOLVED",
		"resolution_type":  "RETURNED",
		"financial_impact": "NONE",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = request(t, router, supervisor, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"RESOLVED"`)
}

func TestHandlerRejectsOperator(t *testing.T) {
	_, router := newRouter(t)
	rec := request(t, router, operator, http.MethodPost, "/ncrs", map[string]any{
		"location_id": 1, "value": "1", "description": "x",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerListByDelivery(t *testing.T) {
	f, router := newRouter(t)
	_, err := f.svc.CreateForVariance(t.Context(), varianceEvent())
	require.NoError(t, err)

	rec := request(t, router, operator, http.MethodGet, "/deliveries/7/ncrs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []NCR `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)

	rec = request(t, router, operator, http.MethodGet, "/deliveries/8/ncrs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":[]}`, rec.Body.String())
}
