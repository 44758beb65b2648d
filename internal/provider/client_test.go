package provider

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
	"go.uber.org/zap/zaptest"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

const testToken = "EAAGm0PX4ZCpsBO-test-token"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "v19.0", 5*time.Second), server
}

func TestSendTextSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]interface{}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.HBgL123"}]}`))
	})

	result, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.NoError(t, err)

	assert.Equal(t, "wamid.HBgL123", result.ProviderMessageID)
	assert.Equal(t, "/v19.0/106540352242922/messages", gotPath)
	assert.Equal(t, "Bearer "+testToken, gotAuth)
	assert.Equal(t, "whatsapp", gotPayload["messaging_product"])
	assert.Equal(t, "text", gotPayload["type"])
}

func TestSendTemplatePayload(t *testing.T) {
	var gotPayload map[string]interface{}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(`{"messages":[{"id":"wamid.tpl1"}]}`))
	})

	components := []TemplateComponent{{
		Type:       "body",
		Parameters: []map[string]interface{}{{"type": "text", "text": "Ana"}},
	}}
	_, err := client.SendTemplate(context.Background(), testToken, "106540352242922", "16505076520",
		"appointment_reminder", "en_US", components)
	require.NoError(t, err)

	assert.Equal(t, "template", gotPayload["type"])
	template := gotPayload["template"].(map[string]interface{})
	assert.Equal(t, "appointment_reminder", template["name"])
	assert.Equal(t, map[string]interface{}{"code": "en_US"}, template["language"])
	assert.NotEmpty(t, template["components"])
}

func TestSendMediaPayload(t *testing.T) {
	var gotPayload map[string]interface{}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(`{"messages":[{"id":"wamid.med1"}]}`))
	})

	_, err := client.SendMedia(context.Background(), testToken, "106540352242922", "16505076520",
		"image", "https://cdn.example.com/pic.jpg", "holiday hours")
	require.NoError(t, err)

	assert.Equal(t, "image", gotPayload["type"])
	media := gotPayload["image"].(map[string]interface{})
	assert.Equal(t, "https://cdn.example.com/pic.jpg", media["link"])
}

func TestSendRejection(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"(#131030) Recipient phone number not in allowed list","type":"OAuthException","code":131030,"fbtrace_id":"A2sb"}}`))
	})

	_, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.Error(t, err)

	assert.ErrorIs(t, err, apperrors.ErrProviderRejected)
	assert.False(t, apperrors.IsRetryable(err))

	var rejection *RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, http.StatusBadRequest, rejection.HTTPStatus)
	assert.Equal(t, "131030", rejection.Code)
	assert.Equal(t, "(#131030) Recipient phone number not in allowed list", rejection.Message)
}

func TestSendRateLimited(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Too many requests","type":"OAuthException","code":80007}}`))
	})

	_, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.Error(t, err)

	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`upstream unavailable`))
	})

	_, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.Error(t, err)

	assert.True(t, apperrors.IsRetryable(err))
	assert.NotErrorIs(t, err, apperrors.ErrProviderRejected)
}

func TestSendTransportFailureIsRetryable(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	client := NewClient(server.URL, "v19.0", time.Second)

	_, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSendTimeoutIsRetryable(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	client := NewClient(server.URL, "v19.0", 50*time.Millisecond)

	_, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSendResponseWithoutMessageID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[]}`))
	})

	_, err := client.SendText(context.Background(), testToken, "106540352242922", "16505076520", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestSubmitTemplate(t *testing.T) {
	var gotPath string
	var gotPayload map[string]interface{}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(`{"id":"1231234","status":"PENDING","category":"UTILITY"}`))
	})

	payload := map[string]interface{}{
		"name":     "appointment_reminder",
		"language": "en_US",
		"category": "UTILITY",
	}
	id, err := client.SubmitTemplate(context.Background(), testToken, "102290129340398", payload)
	require.NoError(t, err)

	assert.Equal(t, "1231234", id)
	assert.Equal(t, "/v19.0/102290129340398/message_templates", gotPath)
	assert.Equal(t, "appointment_reminder", gotPayload["name"])
}

func TestParseGraphError(t *testing.T) {
	code, message := parseGraphError([]byte(`{"error":{"message":"boom","code":190}}`))
	assert.Equal(t, "190", code)
	assert.Equal(t, "boom", message)

	code, message = parseGraphError([]byte(`<html>bad gateway</html>`))
	assert.Empty(t, code)
	assert.Equal(t, "<html>bad gateway</html>", message)
}
