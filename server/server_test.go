package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigspider/rpsledger/rpsgame"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *testClock) {
	t.Helper()
	clock := newTestClock()
	srv, err := NewServer(ServerConfig{
		ListenAddr: "127.0.0.1:0",
		PriceAtoms: 100,
		BondAtoms:  10,
		Window:     time.Minute,
		Log:        testLogger(t),
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, clock
}

func testLogger(t *testing.T) slog.Logger {
	t.Helper()
	bknd := slog.NewBackend(os.Stdout)
	log := bknd.Logger("TEST")
	if testing.Verbose() {
		log.SetLevel(slog.LevelDebug)
	} else {
		log.SetLevel(slog.LevelCritical)
	}
	return log
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_StateAndRegister(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[StateResponse](t, resp)
	assert.Equal(t, rpsgame.PhaseInit, st.Game.Phase)
	assert.EqualValues(t, 1, st.Game.GameNumber)
	assert.EqualValues(t, 100, st.PriceAtoms)
	assert.EqualValues(t, 10, st.BondAtoms)
	assert.EqualValues(t, 60, st.WindowSecs)
	assert.Nil(t, st.LastGame)

	resp = postJSON(t, ts.URL+"/register", map[string]any{"account": "alice", "payment": 150})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decodeBody[registerResponse](t, resp)
	assert.EqualValues(t, 40, reg.Change)

	// Underpayment maps to 409 with a stable code.
	resp = postJSON(t, ts.URL+"/register", map[string]any{"account": "bob", "payment": 1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	er := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "insufficientPayment", er.Code)
	assert.Equal(t, rpsgame.ErrInsufficientPayment, rpsgame.ErrorFromCode(er.Code))
}

func TestServer_FullGameOverHTTP(t *testing.T) {
	_, ts, _ := newTestServer(t)

	for _, acct := range []string{"alice", "bob"} {
		resp := postJSON(t, ts.URL+"/register", map[string]any{"account": acct, "payment": 110})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	nonceA, err := rpsgame.NewNonce()
	require.NoError(t, err)
	nonceB, err := rpsgame.NewNonce()
	require.NoError(t, err)
	commA := rpsgame.CommitChoice(0, rpsgame.Rock, nonceA)
	commB := rpsgame.CommitChoice(1, rpsgame.Scissors, nonceB)

	resp := postJSON(t, ts.URL+"/commit", map[string]any{"account": "alice", "commitment": commA.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/commit", map[string]any{"account": "bob", "commitment": commB.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Revealing with the wrong nonce is rejected and leaves state intact.
	resp = postJSON(t, ts.URL+"/reveal", map[string]any{
		"account": "alice", "choice": rpsgame.Rock, "nonce": nonceB.String(),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	er := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "commitmentMismatch", er.Code)

	resp = postJSON(t, ts.URL+"/reveal", map[string]any{
		"account": "alice", "choice": rpsgame.Rock, "nonce": nonceA.String(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/reveal", map[string]any{
		"account": "bob", "choice": rpsgame.Scissors, "nonce": nonceB.String(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/state")
	require.NoError(t, err)
	st := decodeBody[StateResponse](t, resp)
	assert.Equal(t, rpsgame.PhaseInit, st.Game.Phase)
	assert.EqualValues(t, 2, st.Game.GameNumber)
	require.NotNil(t, st.LastGame)
	assert.Equal(t, 0, st.LastGame.Winner)
	assert.Equal(t, rpsgame.ReasonNormal, st.LastGame.Reason)
}

func TestServer_BadRequests(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/register", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/reveal", map[string]any{"account": "alice", "choice": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Mutations are POST-only.
	resp, err = http.Get(ts.URL + "/register")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_AbortOverHTTP(t *testing.T) {
	_, ts, clock := newTestServer(t)

	resp := postJSON(t, ts.URL+"/register", map[string]any{"account": "alice", "payment": 110})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/abort", map[string]any{"account": "alice"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	er := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "timeoutNotReached", er.Code)

	clock.Advance(time.Minute + time.Second)
	resp = postJSON(t, ts.URL+"/abort", map[string]any{"account": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	st := decodeBody[StateResponse](t, resp)
	require.NotNil(t, st.LastGame)
	assert.Equal(t, rpsgame.ReasonAbort, st.LastGame.Reason)
}

// Exercises the SSE stream end to end: subscribe, act, observe the events.
func TestServer_EventStream(t *testing.T) {
	_, ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				events <- name
			}
		}
	}()

	// Give the subscription a moment to attach before acting.
	time.Sleep(50 * time.Millisecond)

	r := postJSON(t, ts.URL+"/register", map[string]any{"account": "alice", "payment": 110})
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()
	r = postJSON(t, ts.URL+"/register", map[string]any{"account": "bob", "payment": 110})
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	want := []string{"playerRegistered", "playerRegistered", "phaseChange"}
	for _, name := range want {
		select {
		case got := <-events:
			assert.Equal(t, name, got)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}
