package oracle_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/oracle"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

func TestClient_AskSendsBearerAuth(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"answer":"42"}`))
	}))
	defer srv.Close()

	c := oracle.New(oracle.Options{BaseURL: srv.URL, AuthToken: "tok"})
	answer, err := c.Ask(context.Background(), "g1", "meaning of life?")
	require.NoError(t, err)
	assert.Equal(t, "42", answer)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/ask", gotPath)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":"fact"}`))
	}))
	defer srv.Close()

	c := oracle.New(oracle.Options{BaseURL: srv.URL, MaxRetries: 5})
	got, err := c.Recall(context.Background(), "g1", "deploy key")
	require.NoError(t, err)
	assert.Equal(t, "fact", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := oracle.New(oracle.Options{BaseURL: srv.URL, MaxRetries: 5})
	err := c.Remember(context.Background(), "g1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retried")
}

func TestClient_UnauthorizedMapsToDomainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := oracle.New(oracle.Options{BaseURL: srv.URL})
	_, err := c.Ask(context.Background(), "g1", "q")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestClient_EmptyBaseURLActsAbsent(t *testing.T) {
	c := oracle.New(oracle.Options{})
	_, err := c.ContextBlock(context.Background(), "g1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_ContextBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/context/g1", r.URL.Path)
		_, _ = w.Write([]byte(`{"context":"recent facts"}`))
	}))
	defer srv.Close()

	c := oracle.New(oracle.Options{BaseURL: srv.URL})
	block, err := c.ContextBlock(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "recent facts", block)
}
