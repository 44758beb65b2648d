package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// Client talks to the WhatsApp Business Platform (Graph API). One client is
// shared across tenants; the per-tenant access token is passed per call so
// tokens never live on the struct.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string
}

// NewClient creates a provider client. timeout bounds each call end to end.
func NewClient(baseURL, apiVersion string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiVersion: apiVersion,
	}
}

// SendResult carries the provider-assigned message ID from an accepted send.
type SendResult struct {
	ProviderMessageID string
}

// TemplateComponent is a component entry of a template send request, passed
// through to the provider as-is.
type TemplateComponent struct {
	Type       string                   `json:"type"`
	Parameters []map[string]interface{} `json:"parameters,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// RejectionError is a terminal provider rejection. Code and Message carry
// the provider's error fields verbatim for persistence on the message row.
type RejectionError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected request: http %d code %s: %s", e.HTTPStatus, e.Code, e.Message)
}

// Unwrap ties RejectionError into the apperrors sentinel chain.
func (e *RejectionError) Unwrap() error {
	return apperrors.ErrProviderRejected
}

type graphErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FbtraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// SendText sends a free-form text message.
func (c *Client) SendText(ctx context.Context, token, phoneNumberID, to, body string) (*SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	return c.send(ctx, "send_text", token, phoneNumberID, payload)
}

// SendTemplate sends a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, token, phoneNumberID, to, templateName, language string, components []TemplateComponent) (*SendResult, error) {
	template := map[string]interface{}{
		"name":     templateName,
		"language": map[string]string{"code": language},
	}
	if len(components) > 0 {
		template["components"] = components
	}
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "template",
		"template":          template,
	}
	return c.send(ctx, "send_template", token, phoneNumberID, payload)
}

// SendMedia sends a media message by link. mediaType is image, document,
// audio or video.
func (c *Client) SendMedia(ctx context.Context, token, phoneNumberID, to, mediaType, link, caption string) (*SendResult, error) {
	media := map[string]string{"link": link}
	if caption != "" {
		media[mediaType+"_caption"] = caption
	}
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              mediaType,
		mediaType:           media,
	}
	return c.send(ctx, "send_media", token, phoneNumberID, payload)
}

func (c *Client) send(ctx context.Context, operation, token, phoneNumberID string, payload map[string]interface{}) (*SendResult, error) {
	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, phoneNumberID)

	startTime := utils.Now()
	body, err := c.doRequest(ctx, http.MethodPost, url, token, payload)
	observer.ObserveProviderCallDuration(operation, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewFatal(err, "failed to decode provider send response")
	}
	if len(resp.Messages) == 0 {
		return nil, apperrors.NewFatal(fmt.Errorf("response carried no message id"), "provider send response incomplete")
	}

	return &SendResult{ProviderMessageID: resp.Messages[0].ID}, nil
}

// SubmitTemplate registers a message template with the provider for review
// and returns the provider-assigned template ID.
func (c *Client) SubmitTemplate(ctx context.Context, token, wabaID string, payload map[string]interface{}) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/message_templates", c.baseURL, c.apiVersion, wabaID)

	startTime := utils.Now()
	body, err := c.doRequest(ctx, http.MethodPost, url, token, payload)
	observer.ObserveProviderCallDuration("submit_template", time.Since(startTime), err)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperrors.NewFatal(err, "failed to decode template submission response")
	}
	return resp.ID, nil
}

// doRequest executes one provider call and classifies the outcome. Transport
// failures and 5xx are retryable, 429 is rate limiting, any other 4xx is a
// terminal rejection carrying the provider's code and message verbatim.
func (c *Client) doRequest(ctx context.Context, method, url, token string, payload map[string]interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewFatal(err, "failed to marshal provider request")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, apperrors.NewFatal(err, "failed to build provider request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewRetryable(err, "provider call failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewRetryable(err, "failed to read provider response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	errorCode, errorMessage := parseGraphError(body)
	logger.FromContext(ctx).Warn("Provider call rejected",
		zap.Int("http_status", resp.StatusCode),
		zap.String("error_code", errorCode),
		zap.String("error_message", errorMessage))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewRetryable(
			fmt.Errorf("%w: code %s: %s", apperrors.ErrRateLimited, errorCode, errorMessage),
			"provider rate limited")
	case resp.StatusCode >= 500:
		return nil, apperrors.NewRetryable(
			fmt.Errorf("provider returned %d: code %s: %s", resp.StatusCode, errorCode, errorMessage),
			"provider unavailable")
	default:
		return nil, &RejectionError{HTTPStatus: resp.StatusCode, Code: errorCode, Message: errorMessage}
	}
}

// parseGraphError extracts the standard Graph API error envelope. Unparsable
// bodies fall back to the raw text so the message is never lost.
func parseGraphError(body []byte) (code, message string) {
	var graphErr graphErrorResponse
	if err := json.Unmarshal(body, &graphErr); err != nil || graphErr.Error.Message == "" {
		return "", string(body)
	}
	return strconv.Itoa(graphErr.Error.Code), graphErr.Error.Message
}
