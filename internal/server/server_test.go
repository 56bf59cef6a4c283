package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/session"
	"github.com/sells-group/bookout-recon/internal/snapshot"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Open(ctx context.Context, runID string) (*model.Session, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessions) Get(ctx context.Context, sessionID string) (*session.View, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.View), args.Error(1)
}

func (m *mockSessions) ToggleOverride(ctx context.Context, sessionID, code string) (*model.Override, error) {
	args := m.Called(ctx, sessionID, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Override), args.Error(1)
}

func (m *mockSessions) Apply(ctx context.Context, sessionID string) (*session.ApplyResult, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.ApplyResult), args.Error(1)
}

func (m *mockSessions) Comparison(ctx context.Context, runID string) (*session.Comparison, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Comparison), args.Error(1)
}

func (m *mockSessions) Restore(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	h := New(&mockSessions{}, pinger{}, nil).Handler()
	rec := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h = New(&mockSessions{}, pinger{err: errors.New("db down")}, nil).Handler()
	rec = do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	h := New(&mockSessions{}, nil, nil).Handler()
	rec := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOpenSession(t *testing.T) {
	ms := &mockSessions{}
	exp := time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)
	ms.On("Open", mock.Anything, "run-1").Return(&model.Session{ID: "s-1", Status: model.SessionPending, ExpiresAt: exp}, nil)

	rec := do(t, New(ms, nil, nil).Handler(), http.MethodPost, "/v1/runs/run-1/sessions")
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s-1", got.ID)
	assert.Equal(t, model.SessionPending, got.Status)
	ms.AssertExpectations(t)
}

func TestGetSession(t *testing.T) {
	ms := &mockSessions{}
	ms.On("Get", mock.Anything, "s-1").Return(&session.View{
		Session:   &model.Session{ID: "s-1", Status: model.SessionPending},
		IsExpired: true,
		Summary:   model.SessionSummary{TotalChanges: 2},
	}, nil)

	rec := do(t, New(ms, nil, nil).Handler(), http.MethodGet, "/v1/sessions/s-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s-1", got["id"])
	assert.Equal(t, true, got["is_expired"])
	assert.Equal(t, float64(2), got["summary"].(map[string]any)["total_changes"])
}

func TestToggle_ErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"not_found", eris.Wrap(apperr.ErrNotFound, "override X"), http.StatusNotFound, apperr.KindNotFound},
		{"conflict", eris.Wrap(apperr.ErrConflict, "session s-1 already applied"), http.StatusConflict, apperr.KindConflict},
		{"expired", eris.Wrap(apperr.ErrExpired, "session s-1"), http.StatusGone, apperr.KindExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockSessions{}
			ms.On("ToggleOverride", mock.Anything, "s-1", "NAV").Return(nil, tt.err)

			rec := do(t, New(ms, nil, nil).Handler(), http.MethodPost, "/v1/sessions/s-1/overrides/NAV/toggle")
			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestToggle_OK(t *testing.T) {
	ms := &mockSessions{}
	ms.On("ToggleOverride", mock.Anything, "s-1", "NAV").Return(&model.Override{Code: "NAV", KeepOriginal: true}, nil)

	rec := do(t, New(ms, nil, nil).Handler(), http.MethodPost, "/v1/sessions/s-1/overrides/NAV/toggle")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"keep_original":true`)
}

func TestApply(t *testing.T) {
	ms := &mockSessions{}
	ms.On("Apply", mock.Anything, "s-1").Return(&session.ApplyResult{
		RevaluationSource: "fallback",
		ChangeSummary:     model.ChangeSummary{TotalChanges: 3, ValueImpact: 200},
	}, nil)
	ms.On("Apply", mock.Anything, "s-2").Return(nil, errors.New("sqlite: database is locked"))

	h := New(ms, nil, nil).Handler()
	rec := do(t, h, http.MethodPost, "/v1/sessions/s-1/apply")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revaluation_source":"fallback"`)
	assert.Contains(t, rec.Body.String(), `"value_impact":200`)

	rec = do(t, h, http.MethodPost, "/v1/sessions/s-2/apply")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperr.KindInternal, body.Kind)
	assert.Equal(t, "internal error", body.Error)
}

func TestComparisonAndRestore(t *testing.T) {
	ms := &mockSessions{}
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	cmp := &session.Comparison{
		RunID:    "run-1",
		Original: snapshot.LiveView(&model.Valuation{ID: "val-1"}, nil, at),
		Current:  snapshot.LiveView(&model.Valuation{ID: "val-1"}, nil, at),
	}
	ms.On("Comparison", mock.Anything, "run-1").Return(cmp, nil)
	ms.On("Comparison", mock.Anything, "run-x").Return(nil, eris.Wrap(apperr.ErrNotFound, "snapshot for run run-x"))
	ms.On("Restore", mock.Anything, "run-1").Return(nil)

	h := New(ms, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs/run-1/comparison")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = do(t, h, http.MethodGet, "/v1/runs/run-x/comparison")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs/run-1/comparison.xlsx")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "comparison-run-1.xlsx")

	rec = do(t, h, http.MethodPost, "/v1/runs/run-1/restore")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	ms.AssertExpectations(t)
}

func TestCORS(t *testing.T) {
	h := New(&mockSessions{}, nil, []string{"https://desk.example.com"}).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions/s-1/apply", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://desk.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
