package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

// Client calls the external signing service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a signing service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type signRequest struct {
	Payload json.RawMessage `json:"payload"`
	KeyURL  string          `json:"keyUrl"`
	KeyID   string          `json:"keyId,omitempty"`
}

// Sign asks the service to sign payload with the key identified by key.
func (c *Client) Sign(ctx context.Context, payload []byte, key *badge.PublicKeyIssuer) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key reference is required")
	}

	body, err := json.Marshal(signRequest{Payload: payload, KeyURL: key.KeyURL, KeyID: key.KeyID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "badgehub-core/1.0")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", handleErrorResponse(resp.StatusCode, respBody, key)
	}
	return parseSuccessResponse(respBody)
}

func handleErrorResponse(statusCode int, respBody []byte, key *badge.PublicKeyIssuer) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return &ClientError{Code: "AUTH_INVALID", Message: "invalid or expired API key"}
	case http.StatusForbidden:
		return &ClientError{Code: "FORBIDDEN", Message: "not allowed to sign with this key"}
	case http.StatusNotFound:
		return &ClientError{Code: "KEY_NOT_FOUND", Message: fmt.Sprintf("signing key not found: %s", key.KeyURL)}
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return &ClientError{Code: "PAYLOAD_REJECTED", Message: errResp.Error}
		}
		return &ClientError{Code: "PAYLOAD_REJECTED", Message: "signing service rejected the payload"}
	default:
		return &ClientError{Code: "SIGNER_ERROR", Message: fmt.Sprintf("signing service returned status %d: %s", statusCode, string(respBody))}
	}
}

func parseSuccessResponse(respBody []byte) (string, error) {
	var signResp struct {
		Success bool `json:"success"`
		Data    struct {
			Signature string `json:"signature"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &signResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if !signResp.Success {
		return "", &ClientError{Code: "SIGNER_ERROR", Message: signResp.Error}
	}
	if signResp.Data.Signature == "" {
		return "", &ClientError{Code: "SIGNER_ERROR", Message: "empty signature"}
	}
	return signResp.Data.Signature, nil
}

// ClientError represents an error from the signing service.
type ClientError struct {
	Code    string
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsAuthError returns true if this is an authentication error.
func (e *ClientError) IsAuthError() bool {
	return e.Code == "AUTH_INVALID" || e.Code == "FORBIDDEN"
}

// IsNotFoundError returns true if the signing key was not found.
func (e *ClientError) IsNotFoundError() bool {
	return e.Code == "KEY_NOT_FOUND"
}
