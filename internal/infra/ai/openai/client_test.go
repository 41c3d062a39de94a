package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/armoureye/internal/domain/ai"
)

func TestAnalyzePackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant",
			"content":"{\"status\":\"VULNERABLE\",\"unique_vuln_count\":1,\"severities_found\":[\"HIGH\"],\"summary\":\"upgrade openssl\"}"},
			"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", "gpt-4o-mini", srv.URL+"/v1")
	got, err := c.AnalyzePackage(context.Background(), "openssl", "1.1.1n", ai.AnalyzeOptions{})
	require.NoError(t, err)
	assert.Equal(t, ai.StatusVulnerable, got.StructuredReport.Status)
	assert.Equal(t, "openssl", got.StructuredReport.Package)
	assert.Equal(t, "upgrade openssl", got.LLMSummary)
}

func TestAnalyzePackageQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	_, err := NewClient("sk-test", "", srv.URL+"/v1").AnalyzePackage(context.Background(), "x", "1", ai.AnalyzeOptions{})
	assert.ErrorIs(t, err, ai.ErrQuotaExceeded)
}

func TestCheckEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"}]}`))
	}))
	defer srv.Close()

	st := NewClient("sk-test", "", srv.URL+"/v1").CheckEndpoint(context.Background())
	assert.True(t, st.Reachable, st.Error)
	assert.Equal(t, 1, st.Info["models"])
}
