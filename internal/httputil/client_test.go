package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockHTTPClient_ReplaysInOrder(t *testing.T) {
	m := NewMockHTTPClient().
		AddResponse(http.StatusAccepted, `{"ticket":"a"}`).
		AddError(errors.New("connection refused"))

	req, err := http.NewRequest(http.MethodPost, "http://bridge/process_trash", strings.NewReader(`{"type_id":2}`))
	require.NoError(t, err)
	resp, err := m.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ticket":"a"}`, string(body))

	req2, _ := http.NewRequest(http.MethodGet, "http://bridge/api/health", nil)
	_, err = m.Do(req2)
	assert.EqualError(t, err, "connection refused")

	// exhausted queue falls back to an empty 200
	resp, err = m.Do(req2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 3, m.RequestCount())
	got, sent := m.Request(0)
	assert.Equal(t, "/process_trash", got.URL.Path)
	assert.Equal(t, `{"type_id":2}`, sent)

	got, _ = m.Request(9)
	assert.Nil(t, got)
}

func TestMockHTTPClient_SatisfiesInterface(t *testing.T) {
	var _ HTTPClient = NewMockHTTPClient()
	var _ HTTPClient = http.DefaultClient
}
