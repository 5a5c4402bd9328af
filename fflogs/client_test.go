package fflogs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type gqlCall struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func readCall(t *testing.T, r *http.Request) gqlCall {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	var call gqlCall
	if err := json.Unmarshal(body, &call); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return call
}

// newTestClient wires a client against an httptest server that serves
// both the token endpoint and the GraphQL endpoint.
func newTestClient(t *testing.T, tokenCalls *int32, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			if tokenCalls != nil {
				atomic.AddInt32(tokenCalls, 1)
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"test-token","expires_in":3600,"token_type":"Bearer"}`)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token",
		APIURL:       srv.URL + "/api/v2/client",
	})
}

func writeData(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"data":`+data+`}`)
}

func TestDoRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeData(w, `{"ok":true}`)
	})

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Do(context.Background(), `query { ok }`, nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !out.OK {
		t.Fatal("expected decoded data")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestDoExhaustsRetriesOn500(t *testing.T) {
	var calls int32
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.Do(context.Background(), `query { ok }`, nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 500 {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, got)
	}
}

func TestDoFailsFastOnNonRetryableStatus(t *testing.T) {
	var calls int32
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "bad request body")
	})

	err := c.Do(context.Background(), `query { ok }`, nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Fatalf("expected HTTPError 400, got %v", err)
	}
	if !strings.Contains(httpErr.Body, "bad request body") {
		t.Fatalf("expected response body embedded in error, got %q", httpErr.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestDoJoinsGraphQLErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":[{"message":"first problem"},{"message":"second problem"}]}`)
	})

	err := c.Do(context.Background(), `query { ok }`, nil, nil)
	var gqlErr *GraphQLError
	if !errors.As(err, &gqlErr) {
		t.Fatalf("expected GraphQLError, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "first problem") || !strings.Contains(msg, "second problem") {
		t.Fatalf("expected joined messages, got %q", msg)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("graphql errors must not be retried, got %d attempts", got)
	}
}

func TestDoRejectsEmptyEnvelope(t *testing.T) {
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{}`)
	})

	err := c.Do(context.Background(), `query { ok }`, nil, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestTokenIsCachedAcrossRequests(t *testing.T) {
	var tokenCalls int32
	c := newTestClient(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		writeData(w, `{"ok":true}`)
	})

	for i := 0; i < 3; i++ {
		if err := c.Do(context.Background(), `query { ok }`, nil, nil); err != nil {
			t.Fatalf("Do #%d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("expected one token exchange, got %d", got)
	}
}

func TestAuthErrorOnFailedExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "invalid client")
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "nope",
		TokenURL:     srv.URL + "/oauth/token",
		APIURL:       srv.URL + "/api/v2/client",
	})

	err := c.Do(context.Background(), `query { ok }`, nil, nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestLocaleHeaderSentWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"t","expires_in":3600}`)
			return
		}
		if got := r.Header.Get("Accept-Language"); got != "ja" {
			t.Errorf("expected Accept-Language ja, got %q", got)
		}
		writeData(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token",
		APIURL:       srv.URL + "/api/v2/client",
		Locale:       "ja",
	})
	if err := c.Do(context.Background(), `query { ok }`, nil, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestTimeoutSurfacesDistinctError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"t","expires_in":3600}`)
			return
		}
		time.Sleep(300 * time.Millisecond)
		writeData(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token",
		APIURL:       srv.URL + "/api/v2/client",
		Timeout:      50 * time.Millisecond,
		MaxAttempts:  1,
	})

	err := c.Do(context.Background(), `query { ok }`, nil, nil)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestVariantDowngradeOnUnknownArgument(t *testing.T) {
	var translated, plain int32
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		call := readCall(t, r)
		if strings.Contains(call.Query, "translate") {
			atomic.AddInt32(&translated, 1)
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"errors":[{"message":"Unknown argument \"translate\" on field \"fights\""}]}`)
			return
		}
		atomic.AddInt32(&plain, 1)
		writeData(w, `{"reportData":{"report":{"fights":[{"id":1,"encounterID":77,"name":"Boss","kill":true,"startTime":0,"endTime":60000}]}}}`)
	})

	rf, err := c.Fights(context.Background(), "abc12345")
	if err != nil {
		t.Fatalf("Fights: %v", err)
	}
	if len(rf.Fights) != 1 || rf.Fights[0].EncounterID != 77 {
		t.Fatalf("unexpected fights %+v", rf.Fights)
	}
	if translated != 1 || plain != 1 {
		t.Fatalf("expected one translated then one plain attempt, got %d/%d", translated, plain)
	}
}

func TestFightsReportNotFound(t *testing.T) {
	c := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `{"reportData":{"report":null}}`)
	})

	_, err := c.Fights(context.Background(), "hidden")
	var nf *ReportNotFoundError
	if !errors.As(err, &nf) || nf.Code != "hidden" {
		t.Fatalf("expected ReportNotFoundError for hidden, got %v", err)
	}
}
