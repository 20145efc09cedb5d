// Package docproc talks to the external document-processing backend. It is a
// collaborator boundary: failures propagate with the upstream status and
// message preserved, and nothing here is retried.
package docproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/swaroopai/metergate/pkg/metering"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxResponseBytes      = 32 << 20
	formFieldImage        = "image"
)

// Document is the binary payload forwarded upstream.
type Document struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Client calls the document-processing backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests use this).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// NewClient wires a Client for the given upstream base URL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("docproc: upstream base url is empty")
	}
	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Process posts the document to the upstream operation endpoint and decodes
// the response: JSON bodies are parsed, anything else is returned as a binary
// artifact. Non-2xx responses surface as metering.ExternalError.
func (client *Client) Process(ctx context.Context, operation metering.OperationName, document Document) (metering.ExternalResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(formFieldImage, document.Filename)
	if err != nil {
		return metering.ExternalResult{}, fmt.Errorf("docproc: build form: %w", err)
	}
	if _, err := part.Write(document.Content); err != nil {
		return metering.ExternalResult{}, fmt.Errorf("docproc: write form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return metering.ExternalResult{}, fmt.Errorf("docproc: close form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s", client.baseURL, operation.String())
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return metering.ExternalResult{}, fmt.Errorf("docproc: build request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := client.httpClient.Do(request)
	if err != nil {
		return metering.ExternalResult{}, metering.ExternalError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return metering.ExternalResult{}, metering.ExternalError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return metering.ExternalResult{}, metering.ExternalError{
			StatusCode: response.StatusCode,
			Message:    upstreamMessage(payload),
		}
	}

	result := metering.ExternalResult{
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
	}
	if strings.HasPrefix(result.ContentType, "application/json") {
		decoded := map[string]any{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return metering.ExternalResult{}, metering.ExternalError{
				StatusCode: http.StatusBadGateway,
				Message:    fmt.Sprintf("invalid upstream json: %v", err),
			}
		}
		result.JSON = decoded
		return result, nil
	}
	result.Artifact = payload
	return result, nil
}

func upstreamMessage(payload []byte) string {
	decoded := map[string]any{}
	if err := json.Unmarshal(payload, &decoded); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if value, exists := decoded[key]; exists {
				if text, ok := value.(string); ok && text != "" {
					return text
				}
			}
		}
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "upstream request failed"
	}
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
