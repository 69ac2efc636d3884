package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/goforward/internal/errors"
	"github.com/3leaps/goforward/pkg/queue"
)

// getRealization calls QueueHandlers.Get with the chi iens parameter set.
func getRealization(h *QueueHandlers, iens string) *httptest.ResponseRecorder {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("iens", iens)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/realizations/"+iens, nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	return rec
}

func TestQueueErrorsUseDefaultResponder(t *testing.T) {
	h := NewQueueHandlers(&fakeQueue{running: true, realizations: []queue.Realization{
		{IENS: 0, Name: "norne", State: queue.Running},
	}})

	tests := []struct {
		name     string
		iens     string
		wantCode int
		wantErr  string
	}{
		{"not queued", "7", http.StatusNotFound, apperrors.CodeNotFound},
		{"negative", "-1", http.StatusBadRequest, apperrors.CodeBadRequest},
		{"not a number", "abc", http.StatusBadRequest, apperrors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := getRealization(h, tt.iens)
			require.Equal(t, tt.wantCode, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantErr, body.Error.Code)
		})
	}

	rec := getRealization(h, "0")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})

	h := NewQueueHandlers(&fakeQueue{running: true})
	rec := getRealization(h, "3")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Error(t, got)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(got))
	assert.Contains(t, got.Error(), "realization 3 is not queued")

	// nil restores the default envelope.
	SetHTTPErrorResponder(nil)
	rec = getRealization(h, "3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetHTTPErrorResponder(t *testing.T) {
	called := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil),
		apperrors.New(apperrors.CodeServiceUnavailable, "queue is not running"))

	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
