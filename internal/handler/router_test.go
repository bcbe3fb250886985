package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kudos-bot/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type call struct {
	method  string
	user    string
	text    string
	channel string
}

type fakeCommands struct {
	calls []call
	give  service.Response
	panic bool
}

func (f *fakeCommands) Give(_ context.Context, sender, text, channel string) service.Response {
	if f.panic {
		panic("boom")
	}
	f.calls = append(f.calls, call{"give", sender, text, channel})
	return f.give
}

func (f *fakeCommands) Balance(_ context.Context, user string) service.Response {
	f.calls = append(f.calls, call{method: "balance", user: user})
	return service.Response{Success: true, Text: "balance of " + user}
}

func (f *fakeCommands) TopTen(context.Context) service.Response {
	f.calls = append(f.calls, call{method: "top"})
	return service.Response{Success: true, Text: "top ten"}
}

func (f *fakeCommands) Help() service.Response {
	f.calls = append(f.calls, call{method: "help"})
	return service.Response{Success: true, Text: "help"}
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type slackReply struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

func commandForm(command, text string) url.Values {
	return url.Values{
		"command":    {command},
		"text":       {text},
		"user_id":    {"UALICE"},
		"channel_id": {"C1"},
		"user_name":  {"alice"},
	}
}

func postCommand(r http.Handler, form url.Values, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeReply(t *testing.T, w *httptest.ResponseRecorder) slackReply {
	t.Helper()
	var reply slackReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	return reply
}

func sign(secret string, ts time.Time, body string) http.Header {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", stamp, body)

	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", stamp)
	h.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestRouter_Dispatch(t *testing.T) {
	cmds := &fakeCommands{give: service.Response{Success: true, Text: "gave"}}
	r := NewRouter(cmds, fakeHealth{}, Options{})

	tests := []struct {
		command string
		text    string
		want    string
		method  string
	}{
		{CommandGive, "@bob 10 thanks", "gave", "give"},
		{CommandMine, "", "balance of UALICE", "balance"},
		{CommandTopTen, "", "top ten", "top"},
		{CommandHelp, "", "help", "help"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			cmds.calls = nil
			w := postCommand(r, commandForm(tt.command, tt.text), nil)

			require.Equal(t, http.StatusOK, w.Code)
			reply := decodeReply(t, w)
			assert.Equal(t, "ephemeral", reply.ResponseType)
			assert.Equal(t, tt.want, reply.Text)
			require.Len(t, cmds.calls, 1)
			assert.Equal(t, tt.method, cmds.calls[0].method)
		})
	}
}

func TestRouter_GivePassesPayload(t *testing.T) {
	cmds := &fakeCommands{give: service.Response{Success: true}}
	r := NewRouter(cmds, fakeHealth{}, Options{})

	postCommand(r, commandForm(CommandGive, "@bob 10 thanks"), nil)

	require.Len(t, cmds.calls, 1)
	assert.Equal(t, call{"give", "UALICE", "@bob 10 thanks", "C1"}, cmds.calls[0])
}

func TestRouter_FailurePrefixed(t *testing.T) {
	cmds := &fakeCommands{give: service.Response{Text: "Error: Coins must be greater than 0."}}
	r := NewRouter(cmds, fakeHealth{}, Options{})

	w := postCommand(r, commandForm(CommandGive, "@bob 0 x"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ":x: Error: Coins must be greater than 0.", decodeReply(t, w).Text)
}

func TestRouter_UnknownCommand(t *testing.T) {
	cmds := &fakeCommands{}
	r := NewRouter(cmds, fakeHealth{}, Options{})

	w := postCommand(r, commandForm("/dance", ""), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ":x: "+unknownCommandText, decodeReply(t, w).Text)
	assert.Empty(t, cmds.calls)
}

func TestRouter_BadRequests(t *testing.T) {
	r := NewRouter(&fakeCommands{}, fakeHealth{}, Options{})

	form := commandForm(CommandGive, "@bob 1 x")
	form.Del("user_id")
	w := postCommand(r, form, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ":x: "+missingText, decodeReply(t, w).Text)

	w = postCommand(r, commandForm("give", ""), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ":x: "+badCommandText, decodeReply(t, w).Text)
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	r := NewRouter(&fakeCommands{panic: true}, fakeHealth{}, Options{})

	w := postCommand(r, commandForm(CommandGive, "@bob 1 x"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ":x: "+panicText, decodeReply(t, w).Text)
}

func TestRouter_VerifySignature(t *testing.T) {
	const secret = "8f742231b10e8888abcd99yyyzzz85a5"
	cmds := &fakeCommands{}
	r := NewRouter(cmds, fakeHealth{}, Options{SigningSecret: secret})
	form := commandForm(CommandHelp, "")
	body := form.Encode()

	w := postCommand(r, form, sign(secret, time.Now(), body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "help", decodeReply(t, w).Text)

	w = postCommand(r, form, sign("wrong-secret", time.Now(), body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postCommand(r, form, sign(secret, time.Now().Add(-10*time.Minute), body))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "stale timestamps are replays")

	w = postCommand(r, form, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Len(t, cmds.calls, 1)
}

func TestRouter_RateLimit(t *testing.T) {
	cmds := &fakeCommands{}
	r := NewRouter(cmds, fakeHealth{}, Options{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		w := postCommand(r, commandForm(CommandHelp, ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := postCommand(r, commandForm(CommandHelp, ""), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "ephemeral", decodeReply(t, w).ResponseType)
	assert.Len(t, cmds.calls, 2)
}

func TestRouter_Health(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(&fakeCommands{}, fakeHealth{}, Options{}).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	NewRouter(&fakeCommands{}, fakeHealth{err: errors.New("connection refused")}, Options{}).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	r := NewRouter(&fakeCommands{}, fakeHealth{}, Options{})
	postCommand(r, commandForm(CommandHelp, ""), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kudos_command_duration_seconds")
}
