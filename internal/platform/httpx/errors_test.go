package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		shared.ErrValidation:              http.StatusBadRequest,
		shared.ErrRequiredFieldMissing:    http.StatusBadRequest,
		shared.ErrPermissionDenied:        http.StatusForbidden,
		shared.ErrNotFound:                http.StatusNotFound,
		shared.ErrInvalidStateTransition:  http.StatusConflict,
		shared.ErrConcurrentModification:  http.StatusConflict,
		shared.ErrAlreadyPosted:           http.StatusConflict,
		shared.ErrOverDeliveryNotApproved: http.StatusConflict,
		shared.ErrLineNotFound:            http.StatusUnprocessableEntity,
		shared.ErrDeliveryLocked:          http.StatusLocked,
		fmt.Errorf("db down"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusFor(fmt.Errorf("op: %w", err)), err.Error())
	}
}

func TestRespondErrorCarriesCode(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("post delivery: %w", shared.ErrDeliveryLocked))

	require.Equal(t, http.StatusLocked, rec.Code)
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "DELIVERY_LOCKED", body.Code)
	require.NotEmpty(t, body.Detail)
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("connection refused to 10.0.0.3"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL_ERROR", body.Code)
	require.Empty(t, body.Detail)
}
