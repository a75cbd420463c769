package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func respond(t *testing.T, err error) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	Respond(c, zaptest.NewLogger(t), err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestRespond_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{Invalid("title", "required"), http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("get: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{ErrInvalidTransition, http.StatusConflict, "conflict"},
		{ErrSignature, http.StatusBadRequest, "invalid_request"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, body := respond(t, tc.err)
		assert.Equal(t, tc.code, status, tc.err.Error())
		assert.Equal(t, false, body["success"])
		assert.Equal(t, tc.kind, body["code"])
	}
}

func TestRespond_InternalErrorHidden(t *testing.T) {
	_, body := respond(t, errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal error", body["error"])
}

func TestRespond_ConflictNamesExistingWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	existing := uuid.New()
	status, body := respond(t, &ConflictError{
		RequestedStart: start,
		RequestedEnd:   start.Add(time.Hour),
		ExistingID:     existing,
		ExistingStart:  start.Add(-30 * time.Minute),
		ExistingEnd:    start.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], existing.String())
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, existing.String(), details["existing_id"])
}
