package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/tracing"
)

func newTraceServer(t *testing.T) (*httptest.Server, *host.MockRunner) {
	t.Helper()
	r := &host.MockRunner{}
	tc := tracing.NewController(host.StaticSource{"h1": r}, nil, nil, tracing.Options{}, nil)
	t.Cleanup(tc.Close)
	svc := NewService(newMemStore(), nil, tc, nil, nil)
	srv := httptest.NewServer(NewTraceHandler(svc, tc))
	t.Cleanup(srv.Close)
	return srv, r
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTraceHandler(t *testing.T) {
	srv, r := newTraceServer(t)
	sess := host.NewFakeSession()
	r.On("Start", "nft", "monitor", "trace").Return(sess, nil).Once()
	base := srv.URL + "/debug/trace/h1"

	resp := do(t, http.MethodPut, base, `{"hooks": ["input"], "protocol": "tcp", "ports": "22"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info tracing.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "h1", info.HostID)

	_, _ = sess.Write([]byte("trace id 1 ip filter INPUT policy drop\n"))
	var st TraceStatus
	assert.Eventually(t, func() bool {
		resp := do(t, http.MethodGet, base, "")
		st = TraceStatus{}
		_ = json.NewDecoder(resp.Body).Decode(&st)
		return len(st.Entries) == 1
	}, time.Second, 5*time.Millisecond)
	require.NotNil(t, st.Session)
	assert.Equal(t, info.ID, st.Session.ID)
	assert.Equal(t, []firewall.Hook{firewall.HookInput}, st.Settings.Hooks)

	resp = do(t, http.MethodDelete, base+"/entries", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraceHandler_BadRequests(t *testing.T) {
	srv, _ := newTraceServer(t)
	base := srv.URL + "/debug/trace/h1"

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `hooks`, http.StatusBadRequest},
		{"unknown hook", `{"hooks": ["prerouting"]}`, http.StatusBadRequest},
		{"unknown protocol", `{"hooks": ["input"], "protocol": "sctp"}`, http.StatusBadRequest},
		{"no hooks", `{"hooks": []}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPut, base, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			var e ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.NotEmpty(t, e.Error)
		})
	}

	resp := do(t, http.MethodGet, srv.URL+"/debug/trace/h9", "")
	var st TraceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Empty(t, st.Entries)
	assert.Nil(t, st.Session)
}
