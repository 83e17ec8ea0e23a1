package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func TestRoleChecker(t *testing.T) {
	checker := NewRoleChecker()
	op := shared.Actor{ID: 1, Role: shared.RoleOperator, LocationIDs: []int64{10}}
	spv := shared.Actor{ID: 2, Role: shared.RoleSupervisor, LocationIDs: []int64{10}}
	admin := shared.Actor{ID: 3, Role: shared.RoleAdmin}

	require.False(t, checker.CanApprovePRF(op))
	require.True(t, checker.CanApprovePRF(spv))
	require.True(t, checker.CanClosePO(admin))
	require.False(t, checker.CanCreatePO(op))
	require.False(t, checker.CanApproveOverDelivery(op))
	require.True(t, checker.CanApproveOverDelivery(spv))

	require.True(t, checker.CanPostDeliveries(op, 10))
	require.False(t, checker.CanPostDeliveries(op, 11))
	require.False(t, checker.CanPostDeliveries(spv, 11))
	require.True(t, checker.CanPostDeliveries(admin, 99))
	require.False(t, checker.CanPostDeliveries(shared.Actor{ID: 4, Role: "GUEST", LocationIDs: []int64{10}}, 10))
}

func TestActorFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderActorID, "42")
	h.Set(HeaderActorName, "Sari")
	h.Set(HeaderActorRole, "supervisor")
	h.Set(HeaderActorLocations, "1, 2,3")

	actor, err := ActorFromHeaders(h)
	require.NoError(t, err)
	require.Equal(t, shared.Actor{ID: 42, Name: "Sari", Role: shared.RoleSupervisor, LocationIDs: []int64{1, 2, 3}}, actor)

	h.Set(HeaderActorRole, "root")
	_, err = ActorFromHeaders(h)
	require.Error(t, err)

	h.Set(HeaderActorRole, "ADMIN")
	h.Set(HeaderActorLocations, "x")
	_, err = ActorFromHeaders(h)
	require.Error(t, err)
}

func TestAuthenticateStoresActorAndRequireRoleGates(t *testing.T) {
	m := Middleware{}
	var seen shared.Actor
	handler := m.Authenticate(m.RequireRole(shared.RoleSupervisor, shared.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, "5")
	req.Header.Set(HeaderActorRole, "OPERATOR")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, "6")
	req.Header.Set(HeaderActorRole, "ADMIN")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.EqualValues(t, 6, seen.ID)
}
