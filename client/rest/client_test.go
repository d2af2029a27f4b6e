package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulehub/shule/client/rest"
	"github.com/shulehub/shule/core/chat"
)

func TestClientSendMessage(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/conversations/c1/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "m1", "conversation_id": "c1", "content": gotBody["content"],
			"status": "sent", "client_ref": gotBody["client_ref"],
		})
	}))
	defer srv.Close()

	client := rest.NewClient(srv.URL, "tok-1")
	msg, err := client.SendMessage(context.Background(), "c1", "hello", "ref-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "ref-1", gotBody["client_ref"])
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, chat.StatusSent, msg.Status)
}

func TestClientErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"message content cannot be empty"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := rest.NewClient(srv.URL, "tok-1")
	_, err := client.SendMessage(context.Background(), "c1", "", "ref-1")
	require.Error(t, err)

	var apiErr *rest.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Definitive())
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	// a refused server is not a refused request
	srv.Close()
	_, err = client.SendMessage(context.Background(), "c1", "hi", "ref-2")
	require.Error(t, err)
	assert.False(t, errors.As(err, &apiErr))
}

func TestClientListMessagesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	client := rest.NewClient(srv.URL, "tok-1")
	before := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	msgs, err := client.ListMessages(context.Background(), "c1", 25, before)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.Contains(t, gotQuery, "limit=25")
	assert.Contains(t, gotQuery, "before=2026-08-28T10%3A00%3A00Z")
}
