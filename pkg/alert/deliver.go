package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const deliveryTimeout = 10 * time.Second

// StatusError is a delivery rejected by the receiving endpoint.
type StatusError struct {
	Code int
	// Detail is the start of the response body, if any.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("endpoint returned %d", e.Code)
	}
	return fmt.Sprintf("endpoint returned %d: %s", e.Code, e.Detail)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: deliveryTimeout}
}

// post sends a JSON body and accepts any 2xx reply.
func post(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &StatusError{Code: resp.StatusCode, Detail: string(bytes.TrimSpace(detail))}
}
