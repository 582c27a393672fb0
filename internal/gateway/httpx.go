package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	// DefaultHTTPTimeout bounds every outbound call unless configured otherwise.
	DefaultHTTPTimeout = 30 * time.Second
	// VerifyTimeout bounds a single connection check.
	VerifyTimeout = 10 * time.Second

	maxErrorBody = 512
)

// UserAgent is sent on every request the gateway makes directly.
const UserAgent = "xgate/1"

// NewHTTPClient returns the pooled client shared by all adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return client
}

// CheckResponse turns a non-2xx response into an *UpstreamError carrying a
// trimmed copy of the body. The body is consumed in that case.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// DecodeJSON checks the status and decodes the body into out.
func DecodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
