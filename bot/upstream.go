package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxUpstreamBody caps how much of an upstream response is read
const maxUpstreamBody = 10 << 20

// StatusError is returned when an upstream API responds with anything
// other than 200 OK.
type StatusError struct {
	Service    string
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Service, e.Status)
}

// StatusText is the short, user-facing description of the failure
func (e *StatusError) StatusText() string {
	if text := http.StatusText(e.StatusCode); text != "" {
		return text
	}
	return e.Status
}

// errorReason is the upstream status text for StatusError, otherwise the
// error message
func errorReason(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusText()
	}
	return err.Error()
}

// userMessage returns the text shown to a user when a command fails,
// cut down to 32 characters.
func userMessage(err error) string {
	return shortMessage(errorReason(err))
}

// upstreamGet performs a GET request, returning the body when the
// response is 200 OK and a *StatusError otherwise.
func upstreamGet(
	ctx context.Context,
	client *http.Client,
	service string,
	url string,
	header http.Header,
) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%s: error creating request: %w", service, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", service, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUpstreamBody))
		return nil, "", &StatusError{
			Service:    service,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, "", fmt.Errorf("%s: error reading response: %w", service, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// upstreamGetJSON performs a GET request and decodes a 200 OK JSON body into v
func upstreamGetJSON(
	ctx context.Context,
	client *http.Client,
	service string,
	url string,
	header http.Header,
	v any,
) error {
	body, _, err := upstreamGet(ctx, client, service, url, header)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s: error decoding response: %w", service, err)
	}
	return nil
}
