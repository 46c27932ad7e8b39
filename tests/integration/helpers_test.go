package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// serverURL returns the base URL of the storefront under test.
func serverURL() string {
	if v := os.Getenv("STOREFRONT_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// uniqueToken generates a unique guest session token to avoid test collisions.
func uniqueToken(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), rand.Intn(100000))
}

// uniqueEmail generates a unique email address to avoid test collisions.
func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%d-%d@test.example.com", prefix, time.Now().UnixNano(), rand.Intn(100000))
}

// uniqueUUID generates a random UUID v4 for test data.
func uniqueUUID() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// skipIfNotRunning performs a quick health check against the server.
// If it is unreachable, the test is skipped (not failed).
func skipIfNotRunning(t *testing.T) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL() + "/health/live")
	if err != nil {
		t.Skipf("storefront at %s not reachable (Docker not running?): %v", serverURL(), err)
	}
	resp.Body.Close()
}

// httpGet performs an HTTP GET request with custom headers.
func httpGet(t *testing.T, url string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doRequest(t, http.MethodGet, url, nil, headers)
}

// httpPost performs an HTTP POST request with a JSON body and custom headers.
func httpPost(t *testing.T, url string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodPost, url, body, headers)
}

// httpPut performs an HTTP PUT request with a JSON body and custom headers.
func httpPut(t *testing.T, url string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodPut, url, body, headers)
}

// httpDelete performs an HTTP DELETE request with custom headers.
func httpDelete(t *testing.T, url string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doRequest(t, http.MethodDelete, url, nil, headers)
}

// httpPostRaw posts a raw body without JSON encoding (webhook deliveries).
func httpPostRaw(t *testing.T, url string, body []byte, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doRequest(t, http.MethodPost, url, body, headers)
}

// doJSONRequest marshals the body as JSON and sets Content-Type.
func doJSONRequest(t *testing.T, method, url string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body failed: %v", err)
		}
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}
	return doRequest(t, method, url, raw, headers)
}

func doRequest(t *testing.T, method, url string, body []byte, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		t.Fatalf("creating %s request for %s failed: %v", method, url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

// decodeBody reads the response body and attempts to decode it as JSON.
// If the body is empty or not JSON, it returns an empty map.
func decodeBody(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading response body failed: %v", err)
	}
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		// Not JSON; return the raw string in a "raw" key for debugging.
		return map[string]interface{}{"raw": string(raw)}
	}
	return result
}

// requireStatus asserts that the HTTP status code matches the expected value.
func requireStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Fatalf("expected status %d, got %d", want, got)
	}
}

// extractField extracts a value from a nested map using a dot-separated path.
func extractField(data map[string]interface{}, path string) interface{} {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// extractString is a convenience wrapper around extractField that returns a string.
func extractString(t *testing.T, data map[string]interface{}, path string) string {
	t.Helper()
	val := extractField(data, path)
	if val == nil {
		t.Fatalf("expected string at path %q, got nil", path)
	}
	s, ok := val.(string)
	if !ok {
		t.Fatalf("expected string at path %q, got %T: %v", path, val, val)
	}
	return s
}

// guestHeaders builds the header set for a guest session.
func guestHeaders(token string) map[string]string {
	return map[string]string{"X-Session-Token": token}
}

// testVariantID returns a variant id to exercise data-dependent flows, taken
// from the STOREFRONT_TEST_VARIANT env var. Tests that need real catalog data
// skip when it is unset.
func testVariantID(t *testing.T) string {
	t.Helper()
	v := os.Getenv("STOREFRONT_TEST_VARIANT")
	if v == "" {
		t.Skip("STOREFRONT_TEST_VARIANT not set; run scripts/seed and export a variant id")
	}
	return v
}
