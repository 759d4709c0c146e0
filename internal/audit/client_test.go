package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audit/text", r.URL.Path)
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.Contains(req.Text, "bad") {
			_, _ = w.Write([]byte(`{"code":0,"data":{"suggest":"block","reason":"违规内容"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"suggest":"pass"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)

	v, err := c.Classify(context.Background(), "good text")
	require.NoError(t, err)
	assert.False(t, v.Blocked())

	v, err = c.Classify(context.Background(), "bad text")
	require.NoError(t, err)
	assert.True(t, v.Blocked())
	assert.Equal(t, "违规内容", v.Reason)
}

func TestClient_ClassifyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":500,"message":"busy"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Classify(context.Background(), "x")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	_, ok := New(config.AuditConfig{Enabled: false}).(NoopAuditor)
	assert.True(t, ok)

	_, ok = New(config.AuditConfig{Enabled: true, BaseURL: "http://audit"}).(*Client)
	assert.True(t, ok)

	v, err := NoopAuditor{}.Classify(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, v.Blocked())
}
