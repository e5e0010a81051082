package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobridge/kirobridge/internal/credential"
	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/kiroclient"
	"github.com/kirobridge/kirobridge/internal/pipeline"
	"github.com/kirobridge/kirobridge/internal/tokencount"
)

func successFrames(t *testing.T) []byte {
	t.Helper()
	f1 := eventstream.Frame{
		Headers: map[string]eventstream.HeaderValue{":event-type": eventstream.StringHeader("assistantResponseEvent")},
		Payload: mustMarshal(t, map[string]any{"content": "hello"}),
	}
	f2 := eventstream.Frame{
		Headers: map[string]eventstream.HeaderValue{":event-type": eventstream.StringHeader("metadataEvent")},
		Payload: mustMarshal(t, map[string]any{"stopReason": "end_turn", "usage": map[string]any{"inputTokens": 5, "outputTokens": 2}}),
	}
	var buf bytes.Buffer
	buf.Write(eventstream.Encode(f1))
	buf.Write(eventstream.Encode(f2))
	return buf.Bytes()
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newTestServer(t *testing.T, creds ...*credential.Credential) *Server {
	t.Helper()
	pool := credential.NewPool(creds, credential.PoolConfig{FailureThreshold: 3})
	tokens := credential.NewTokenManager(credential.TokenManagerConfig{}, nil)
	client := kiroclient.New(kiroclient.Config{BaseURL: "http://unused.invalid"})
	pl := pipeline.New(pool, tokens, client, pipeline.Config{})
	return New(Config{
		APIKey:      "client-key",
		AdminAPIKey: "admin-key",
		Pool:        pool,
		Pipeline:    pl,
		Client:      client,
		Counter:     tokencount.New(tokencount.Config{}),
	})
}

func TestModelsRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestModelsWithAPIKey(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "client-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestModelsWithBearerToken(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer client-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCountTokensHeuristic(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	body, _ := json.Marshal(map[string]any{
		"model":    "claude-3-haiku",
		"messages": []map[string]any{{"role": "user", "content": "Hello, world!"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	req.Header.Set("x-api-key", "client-key")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Greater(t, out.InputTokens, 0)
}

func TestAdminRequiresAdminKey(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("x-api-key", "client-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCreateListDeleteFlow(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"auth_method": "social", "access_token": "tok", "priority": 1})
	createReq := httptest.NewRequest(http.MethodPost, "/api/admin/credentials", bytes.NewReader(body))
	createReq.Header.Set("x-api-key", "admin-key")
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	r.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusOK, createW.Code)

	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &created))

	listReq := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	listReq.Header.Set("x-api-key", "admin-key")
	listW := httptest.NewRecorder()
	r.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var statuses []CredentialStatus
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, created.ID, statuses[0].ID)

	// Deleting an enabled credential must fail with 409.
	delReq := httptest.NewRequest(http.MethodDelete, "/api/admin/credentials/"+itoa(created.ID), nil)
	delReq.Header.Set("x-api-key", "admin-key")
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusConflict, delW.Code)

	disableBody, _ := json.Marshal(map[string]any{"disabled": true})
	disableReq := httptest.NewRequest(http.MethodPost, "/api/admin/credentials/"+itoa(created.ID)+"/disabled", bytes.NewReader(disableBody))
	disableReq.Header.Set("x-api-key", "admin-key")
	disableReq.Header.Set("Content-Type", "application/json")
	disableW := httptest.NewRecorder()
	r.ServeHTTP(disableW, disableReq)
	require.Equal(t, http.StatusOK, disableW.Code)

	delReq2 := httptest.NewRequest(http.MethodDelete, "/api/admin/credentials/"+itoa(created.ID), nil)
	delReq2.Header.Set("x-api-key", "admin-key")
	delW2 := httptest.NewRecorder()
	r.ServeHTTP(delW2, delReq2)
	assert.Equal(t, http.StatusOK, delW2.Code)
}

func TestMessagesNonStreamingRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(successFrames(t))
	}))
	defer upstream.Close()

	cred := &credential.Credential{ID: 1, AuthMethod: credential.AuthMethodSocial, AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	pool := credential.NewPool([]*credential.Credential{cred}, credential.PoolConfig{FailureThreshold: 3})
	tokens := credential.NewTokenManager(credential.TokenManagerConfig{}, nil)
	client := kiroclient.New(kiroclient.Config{BaseURL: upstream.URL})
	pl := pipeline.New(pool, tokens, client, pipeline.Config{})
	s := New(Config{APIKey: "client-key", AdminAPIKey: "admin-key", Pool: pool, Pipeline: pl, Client: client, Counter: tokencount.New(tokencount.Config{})})
	r := s.Router()

	body, _ := json.Marshal(map[string]any{
		"model":    "claude-3-haiku",
		"stream":   false,
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	req.Header.Set("x-api-key", "client-key")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
