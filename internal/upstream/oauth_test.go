package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aipgate/internal/pool"
	dErrors "aipgate/pkg/domain-errors"
)

func TestTokenClient_FetchToken(t *testing.T) {
	ctx := context.Background()
	cred := pool.Credential{ID: "client-1", Secret: "secret-1"}

	t.Run("success returns the token and its lifetime", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			q := r.URL.Query()
			assert.Equal(t, "client_credentials", q.Get("grant_type"))
			assert.Equal(t, "client-1", q.Get("client_id"))
			assert.Equal(t, "secret-1", q.Get("client_secret"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok-xyz","expires_in":2592000}`))
		}))
		defer srv.Close()

		client := NewTokenClient(srv.URL)
		token, ttl, err := client.FetchToken(ctx, cred)
		require.NoError(t, err)
		assert.Equal(t, "tok-xyz", token)
		assert.Equal(t, 2592000*time.Second, ttl)
	})

	t.Run("non-200 reports rejected with the body preserved", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"unknown client id"}`))
		}))
		defer srv.Close()

		client := NewTokenClient(srv.URL)
		_, _, err := client.FetchToken(ctx, cred)
		require.Error(t, err)

		var fetchErr *pool.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, dErrors.CodeUpstreamRejected, fetchErr.Code)
		assert.Equal(t, pool.ReasonInvalidClient, fetchErr.Reason)
		assert.Contains(t, fetchErr.Message, "HTTP 401")
		assert.Contains(t, fetchErr.Message, "invalid_client")
	})

	t.Run("missing access_token reports rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"session_key":"whatever"}`))
		}))
		defer srv.Close()

		client := NewTokenClient(srv.URL)
		_, _, err := client.FetchToken(ctx, cred)

		var fetchErr *pool.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, dErrors.CodeUpstreamRejected, fetchErr.Code)
		assert.Equal(t, pool.ReasonRejected, fetchErr.Reason)
	})

	t.Run("malformed JSON reports rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		client := NewTokenClient(srv.URL)
		_, _, err := client.FetchToken(ctx, cred)

		var fetchErr *pool.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, dErrors.CodeUpstreamRejected, fetchErr.Code)
	})

	t.Run("unreachable endpoint reports unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // closed before use

		client := NewTokenClient(srv.URL)
		_, _, err := client.FetchToken(ctx, cred)

		var fetchErr *pool.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, dErrors.CodeUpstreamUnavailable, fetchErr.Code)
		assert.Equal(t, pool.ReasonNetwork, fetchErr.Reason)
		assert.NotNil(t, errors.Unwrap(fetchErr))
	})
}

func TestRecognizeClient_Recognize(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards the form under the access token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "tok-1", r.URL.Query().Get("access_token"))
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "https://example.com/doc.png", r.PostFormValue("url"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"words_result":[],"words_result_num":0}`))
		}))
		defer srv.Close()

		client := NewRecognizeClient(srv.URL)
		result, err := client.Recognize(ctx, "tok-1", map[string][]string{
			"url": {"https://example.com/doc.png"},
		})
		require.NoError(t, err)
		assert.True(t, result.OK())
		assert.JSONEq(t, `{"words_result":[],"words_result_num":0}`, string(result.Body))
	})

	t.Run("non-200 comes back in the result, not as an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
		}))
		defer srv.Close()

		client := NewRecognizeClient(srv.URL)
		result, err := client.Recognize(ctx, "tok-1", nil)
		require.NoError(t, err)
		assert.False(t, result.OK())
		assert.True(t, result.AuthRejected())
	})

	t.Run("a 200 with a non-JSON body is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>surprise</html>"))
		}))
		defer srv.Close()

		client := NewRecognizeClient(srv.URL)
		_, err := client.Recognize(ctx, "tok-1", nil)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUpstreamRejected))
	})

	t.Run("transport failure reports unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		client := NewRecognizeClient(srv.URL)
		_, err := client.Recognize(ctx, "tok-1", nil)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable))
	})
}

func TestResult_AuthRejected(t *testing.T) {
	assert.True(t, Result{StatusCode: 400}.AuthRejected())
	assert.True(t, Result{StatusCode: 401}.AuthRejected())
	assert.False(t, Result{StatusCode: 200}.AuthRejected())
	assert.False(t, Result{StatusCode: 500}.AuthRejected())
}
