package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/loop/looptest"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

func setupTestServer(t *testing.T, withJournal bool) (http.Handler, *looptest.Harness, *store.Journal) {
	t.Helper()
	h := looptest.New(t, nil)

	var j *store.Journal
	var lister EventLister
	if withJournal {
		var err error
		j, err = store.NewJournal(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		require.NoError(t, j.Migrate(context.Background()))
		t.Cleanup(func() { j.Close() })
		lister = j
	}
	return NewServer(h.Store, h.Loop, lister).Router(), h, j
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) sessionResult {
	t.Helper()
	var res sessionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestListSessions_Empty(t *testing.T) {
	router, _, _ := setupTestServer(t, false)

	w := do(t, router, "GET", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestStartSession(t *testing.T) {
	router, h, _ := setupTestServer(t, false)

	w := do(t, router, "POST", "/api/v1/sessions",
		`{"featureId":"login","title":"Add login","branch":"feature/login","projectPath":"/repo"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := decodeResult(t, w)
	require.NotNil(t, res.Session)
	assert.Equal(t, models.StateAwaitingPRFeedback, res.Session.State)
	assert.Equal(t, 100, res.Session.PRNumber)
	assert.Equal(t, 1, h.Reviewer.Calls)

	w = do(t, router, "GET", "/api/v1/sessions/login", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var got models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "feature/login", got.Branch)
	assert.Equal(t, "main", got.BaseBranch)
}

func TestStartSession_Validation(t *testing.T) {
	router, _, _ := setupTestServer(t, false)

	w := do(t, router, "POST", "/api/v1/sessions", `{nope`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/sessions", `{"featureId":"login"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/sessions", `{"featureId":"../etc","branch":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSession_Conflict(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	h.Start(t, "login")

	w := do(t, router, "POST", "/api/v1/sessions", `{"featureId":"login","branch":"feature/login"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartSession_Disabled(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	cfg := models.DefaultLoopConfig()
	cfg.Enabled = false
	require.NoError(t, h.Store.WriteConfig(context.Background(), cfg))

	w := do(t, router, "POST", "/api/v1/sessions", `{"featureId":"login","branch":"feature/login"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStartSession_StageErrorReportsSession(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	h.Reviewer.SetErr(errors.New("model overloaded"))

	w := do(t, router, "POST", "/api/v1/sessions", `{"featureId":"login","branch":"feature/login"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)

	res := decodeResult(t, w)
	assert.Equal(t, "self_review", res.Stage)
	assert.Contains(t, res.Error, "model overloaded")
	require.NotNil(t, res.Session)
	assert.Equal(t, "self_review", res.Session.LastErrorStage)

	// Once the reviewer recovers, retry finishes the loop.
	h.Reviewer.SetErr(nil)
	w = do(t, router, "POST", "/api/v1/sessions/login/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = decodeResult(t, w)
	assert.Equal(t, models.StateAwaitingPRFeedback, res.Session.State)
	assert.Empty(t, res.Session.LastError)
}

func TestGetSession_NotFound(t *testing.T) {
	router, _, _ := setupTestServer(t, false)

	w := do(t, router, "GET", "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/v1/sessions/missing/force-ready", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions_ByState(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	h.Start(t, "login")
	h.Start(t, "search")

	w := do(t, router, "GET", "/api/v1/sessions?state=awaiting_pr_feedback", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)

	w = do(t, router, "GET", "/api/v1/sessions?state=approved", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, router, "GET", "/api/v1/sessions?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForceReadyAndApprove(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	h.Start(t, "login")

	w := do(t, router, "POST", "/api/v1/sessions/login/force-ready", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StateReadyForHumanReview, decodeResult(t, w).Session.State)

	w = do(t, router, "POST", "/api/v1/sessions/login/approve", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StateApproved, decodeResult(t, w).Session.State)

	// Approved sessions can no longer be forced back into refinement.
	w = do(t, router, "POST", "/api/v1/sessions/login/force-refine", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

// pendingSession leaves a session before PR creation by failing its first
// review.
func pendingSession(t *testing.T, router http.Handler, h *looptest.Harness, id string) {
	t.Helper()
	h.Reviewer.SetErr(errors.New("offline"))
	w := do(t, router, "POST", "/api/v1/sessions", `{"featureId":"`+id+`","branch":"feature/`+id+`"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)
	h.Reviewer.SetErr(nil)
}

func TestSkipToPR(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	pendingSession(t, router, h, "login")

	w := do(t, router, "POST", "/api/v1/sessions/login/skip-to-pr",
		`{"prNumber":12,"prUrl":"https://github.com/acme/app/pull/12"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sess := decodeResult(t, w).Session
	assert.Equal(t, models.StateAwaitingPRFeedback, sess.State)
	assert.Equal(t, 12, sess.PRNumber)

	// A session with a PR cannot skip again.
	w = do(t, router, "POST", "/api/v1/sessions/login/skip-to-pr", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSkipToPR_OpensPR(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	pendingSession(t, router, h, "login")

	w := do(t, router, "POST", "/api/v1/sessions/login/skip-to-pr", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 100, decodeResult(t, w).Session.PRNumber)
}

func TestLinkPR(t *testing.T) {
	router, h, _ := setupTestServer(t, false)
	h.Start(t, "login")

	w := do(t, router, "POST", "/api/v1/sessions/login/link-pr", `{"prUrl":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/sessions/login/link-pr",
		`{"prNumber":7,"prUrl":"https://github.com/acme/app/pull/7"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sess := decodeResult(t, w).Session
	assert.Equal(t, 7, sess.PRNumber)
	assert.Equal(t, models.StateAwaitingPRFeedback, sess.State)
}

func TestEvaluateGate(t *testing.T) {
	router, h, _ := setupTestServer(t, false)

	pendingSession(t, router, h, "draft")
	w := do(t, router, "GET", "/api/v1/sessions/draft/gate", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	h.Start(t, "login")
	w = do(t, router, "GET", "/api/v1/sessions/login/gate", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res gate.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, gate.VerdictPassed, res.Verdict)

	w = do(t, router, "GET", "/api/v1/sessions/login/gate?coverage=42.5", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, gate.VerdictFailed, res.Verdict)

	w = do(t, router, "GET", "/api/v1/sessions/login/gate?duplication=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/sessions/missing/gate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEvents(t *testing.T) {
	router, _, _ := setupTestServer(t, false)
	w := do(t, router, "GET", "/api/v1/sessions/login/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	router, _, j := setupTestServer(t, true)
	ctx := context.Background()
	for _, kind := range []string{"state_changed", "review_completed", "state_changed"} {
		require.NoError(t, j.Append(ctx, &store.Entry{FeatureID: "login", Kind: kind}))
	}
	require.NoError(t, j.Append(ctx, &store.Entry{FeatureID: "search", Kind: "error"}))

	w = do(t, router, "GET", "/api/v1/sessions/login/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []*store.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 3)

	w = do(t, router, "GET", "/api/v1/sessions/login/events?limit=2", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	w = do(t, router, "GET", "/api/v1/sessions/login/events?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/sessions/none/events", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestConfig(t *testing.T) {
	router, h, _ := setupTestServer(t, false)

	w := do(t, router, "GET", "/api/v1/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cfg models.LoopConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 3, cfg.MaxIterations)

	w = do(t, router, "PUT", "/api/v1/config", `{"maxIterations":5,"draftPR":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, err := h.Store.ReadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stored.MaxIterations)
	assert.True(t, stored.DraftPR)
	assert.Equal(t, models.SeverityMedium, stored.SeverityThreshold, "unset fields keep their values")

	w = do(t, router, "PUT", "/api/v1/config", `{"maxIterations":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	stored, err = h.Store.ReadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stored.MaxIterations)
}

func TestListMonitors_Empty(t *testing.T) {
	router, _, _ := setupTestServer(t, false)
	w := do(t, router, "GET", "/api/v1/monitors", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestCORS(t *testing.T) {
	router, _, _ := setupTestServer(t, false)
	w := do(t, router, "OPTIONS", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
