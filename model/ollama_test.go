package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalrag/types"
)

// fakeOllama is a scriptable Ollama server.
type fakeOllama struct {
	models []string

	embedCalls    atomic.Int32
	generateCalls atomic.Int32
	tagsCalls     atomic.Int32

	// embedStatus, when set, decides the status code of an embeddings call.
	embedStatus func(call int32, prompt string) int
	// generateStatus, when set, decides the status code of a generate call.
	generateStatus func(call int32) int
	answer         string

	mu           sync.Mutex
	lastGenerate generateRequest
}

func newFakeOllama(t *testing.T, models ...string) (*fakeOllama, *httptest.Server) {
	t.Helper()
	f := &fakeOllama{models: models, answer: "  Réponse juridique.  "}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOllama) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		f.tagsCalls.Add(1)
		var tags ollamaTagsResponse
		for _, m := range f.models {
			tags.Models = append(tags.Models, struct {
				Name       string `json:"name"`
				Size       int64  `json:"size"`
				ModifiedAt string `json:"modified_at"`
			}{Name: m, Size: 42})
		}
		_ = json.NewEncoder(w).Encode(tags)

	case "/api/embeddings":
		call := f.embedCalls.Add(1)
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.embedStatus != nil {
			if code := f.embedStatus(call, req.Prompt); code != http.StatusOK {
				http.Error(w, "boom", code)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(embeddingResponse{
			Embedding: []float64{float64(len([]rune(req.Prompt))), 1},
		})

	case "/api/generate":
		call := f.generateCalls.Add(1)
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.lastGenerate = req
		f.mu.Unlock()
		if f.generateStatus != nil {
			if code := f.generateStatus(call); code != http.StatusOK {
				http.Error(w, "boom", code)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": f.answer})

	default:
		http.NotFound(w, r)
	}
}

func testClient(srv *httptest.Server, retries int) *OllamaClient {
	return NewOllamaClient(srv.URL, 5*time.Second, RetryPolicy{MaxRetries: retries, Delay: time.Millisecond})
}

func TestOllamaClient_ListModels(t *testing.T) {
	_, srv := newFakeOllama(t, "nomic-embed-text", "llama3.2:3b")

	models, err := testClient(srv, 0).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "nomic-embed-text", models[0].Name)
	assert.Equal(t, int64(42), models[1].Size)
}

func TestOllamaClient_RetriesServerErrors(t *testing.T) {
	f, srv := newFakeOllama(t, "nomic-embed-text")
	f.embedStatus = func(call int32, _ string) int {
		if call <= 2 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}

	e := NewEmbedder(testClient(srv, 3), EmbedderConfig{Model: "nomic-embed-text"})
	vec, err := e.Embed(context.Background(), "article 2")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 1}, vec)
	assert.Equal(t, int32(3), f.embedCalls.Load())
}

func TestOllamaClient_GivesUpAfterMaxRetries(t *testing.T) {
	f, srv := newFakeOllama(t, "nomic-embed-text")
	f.embedStatus = func(int32, string) int { return http.StatusServiceUnavailable }

	e := NewEmbedder(testClient(srv, 2), EmbedderConfig{Model: "nomic-embed-text"})
	_, err := e.Embed(context.Background(), "article 2")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, int32(3), f.embedCalls.Load())
}

func TestOllamaClient_DoesNotRetryClientErrors(t *testing.T) {
	f, srv := newFakeOllama(t, "nomic-embed-text")
	f.embedStatus = func(int32, string) int { return http.StatusNotFound }

	e := NewEmbedder(testClient(srv, 3), EmbedderConfig{Model: "nomic-embed-text"})
	_, err := e.Embed(context.Background(), "article 2")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "model not found")
	assert.Equal(t, int32(1), f.embedCalls.Load())
}

func TestOllamaClient_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(url, time.Second, RetryPolicy{})
	e := NewEmbedder(client, EmbedderConfig{Model: "nomic-embed-text"})
	_, err := e.Embed(context.Background(), "article 2")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "cannot connect")
}

func TestOllamaClient_ServerGoesDownAfterVerification(t *testing.T) {
	f, srv := newFakeOllama(t, "nomic-embed-text", "qwen2.5:7b")
	client := testClient(srv, 2)
	e := NewEmbedder(client, EmbedderConfig{Model: "nomic-embed-text"})
	g := NewGenerator(client, GeneratorConfig{Model: "qwen2.5:7b"})

	ctx := context.Background()
	_, err := e.Embed(ctx, "article 2")
	require.NoError(t, err)
	_, err = g.Generate(ctx, "Qu'est-ce qu'une société anonyme ?", "Source 1: Loi n° 17-95 - Article 1")
	require.NoError(t, err)
	tags := f.tagsCalls.Load()

	srv.Close()

	_, err = e.Embed(ctx, "article 3")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, types.ErrTransient)
	assert.Contains(t, err.Error(), "cannot connect")

	_, err = g.Generate(ctx, "Qu'est-ce qu'une société anonyme ?", "Source 1: Loi n° 17-95 - Article 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, types.ErrTransient)

	assert.Equal(t, tags, f.tagsCalls.Load())
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxRetries: 5, Delay: time.Hour}, testLogger(), "test", func(context.Context) error {
		calls++
		cancel()
		return types.ErrTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestModelGuard_VerifiesOnce(t *testing.T) {
	f, srv := newFakeOllama(t, "nomic-embed-text")
	e := NewEmbedder(testClient(srv, 0), EmbedderConfig{Model: "nomic-embed-text"})

	for i := 0; i < 3; i++ {
		_, err := e.Embed(context.Background(), "texte")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tagsCalls.Load())
	assert.True(t, e.Info().ModelVerified)
}

func TestModelGuard_MissingModel(t *testing.T) {
	_, srv := newFakeOllama(t, "llama3.2:3b")
	e := NewEmbedder(testClient(srv, 0), EmbedderConfig{Model: "nomic-embed-text"})

	_, err := e.Embed(context.Background(), "texte")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "Available models: llama3.2:3b")
}

func TestSwitchModel(t *testing.T) {
	_, srv := newFakeOllama(t, "nomic-embed-text", "mxbai-embed-large")
	e := NewEmbedder(testClient(srv, 0), EmbedderConfig{Model: "nomic-embed-text"})

	require.NoError(t, e.SwitchModel(context.Background(), "mxbai-embed-large"))
	assert.Equal(t, "mxbai-embed-large", e.Model())

	err := e.SwitchModel(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Equal(t, "mxbai-embed-large", e.Model())
}

func TestEmbedder_Health(t *testing.T) {
	_, srv := newFakeOllama(t, "nomic-embed-text")
	e := NewEmbedder(testClient(srv, 0), EmbedderConfig{Model: "nomic-embed-text"})

	h := e.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.True(t, h.Reachable)
	assert.True(t, h.ModelAvailable)
	assert.Equal(t, 2, h.EmbeddingDimension)
	require.NotNil(t, h.ModelInfo)
	assert.Equal(t, "nomic-embed-text", h.ModelInfo.Name)

	missing := NewEmbedder(testClient(srv, 0), EmbedderConfig{Model: "other"})
	h = missing.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.True(t, h.Reachable)
	assert.False(t, h.ModelAvailable)
	assert.True(t, strings.HasPrefix(h.Error, "model 'other' not found"))
}
