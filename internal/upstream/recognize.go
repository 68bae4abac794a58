package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dErrors "aipgate/pkg/domain-errors"
)

// recognizeTimeout bounds one recognition call. Recognition of multi-page
// documents can be slow, hence the larger budget than the token fetch.
const recognizeTimeout = 30 * time.Second

// Result is one recognition outcome: the vendor's raw JSON payload passed
// through opaquely, plus the HTTP status for the caller's error handling.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// AuthRejected reports whether the vendor rejected the access token itself.
// The vendor signals token problems with 400 as well as 401.
func (r Result) AuthRejected() bool {
	return r.StatusCode == http.StatusBadRequest || r.StatusCode == http.StatusUnauthorized
}

// OK reports a successful recognition.
func (r Result) OK() bool { return r.StatusCode == http.StatusOK }

// RecognizeClient posts form-encoded recognition requests to the vendor.
type RecognizeClient struct {
	endpoint string
	client   *http.Client
}

func NewRecognizeClient(endpoint string) *RecognizeClient {
	return &RecognizeClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: recognizeTimeout},
	}
}

// Recognize forwards the form to the vendor under the given access token.
// Transport failures surface as upstream-unavailable; HTTP-level failures
// come back in the Result for the caller to interpret (a 400/401 means the
// token was rejected, which is not this client's call to make).
func (c *RecognizeClient) Recognize(ctx context.Context, token string, form url.Values) (Result, error) {
	endpoint := c.endpoint + "?access_token=" + url.QueryEscape(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "build recognition request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "recognition call failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "read recognition response")
	}

	if resp.StatusCode == http.StatusOK && !json.Valid(body) {
		return Result{}, dErrors.New(dErrors.CodeUpstreamRejected,
			fmt.Sprintf("recognition response is not JSON (%d bytes)", len(body)))
	}

	return Result{StatusCode: resp.StatusCode, Body: body}, nil
}
