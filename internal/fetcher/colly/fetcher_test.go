package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grocery-price-crawler/internal/fetcher/detector"
	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

const searchURL = "https://store.test/search?q=milk"

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC) }

func newTestSession(t *testing.T, transport http.RoundTripper) grocery.FetchSession {
	t.Helper()
	f := New(Config{UserAgent: "grocery-test", Timeout: time.Second}, detector.NewHeuristic(64, nil), fixedClock{})
	f.WithTransport(transport)
	s, err := f.NewSession(context.Background())
	require.NoError(t, err)
	return s
}

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	body := `<html><body><div class="tile"><a href="/p/1">Milk 2L</a></div><p>plenty of ordinary content here</p></body></html>`
	transport.RegisterResponder("GET", searchURL, httpmock.NewStringResponder(http.StatusOK, body))

	s := newTestSession(t, transport)
	page, err := s.Fetch(context.Background(), searchURL)
	require.NoError(t, err)
	assert.Equal(t, searchURL, page.URL)
	assert.Equal(t, searchURL, page.FinalURL)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, body, string(page.Body))
	assert.Equal(t, fixedClock{}.Now(), page.FetchedAt)

	// Same URL again within one session.
	_, err = s.Fetch(context.Background(), searchURL)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestFetchClassifiesResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responder httpmock.Responder
		blocked   bool
		transient bool
	}{
		{name: "forbidden", responder: httpmock.NewStringResponder(http.StatusForbidden, "denied"), blocked: true},
		{name: "rate limited", responder: httpmock.NewStringResponder(http.StatusTooManyRequests, ""), blocked: true},
		{
			name:      "captcha",
			responder: httpmock.NewStringResponder(http.StatusOK, `<html><div id="px-captcha"></div>`+string(make([]byte, 128))+`</html>`),
			blocked:   true,
		},
		{name: "server error", responder: httpmock.NewStringResponder(http.StatusBadGateway, "oops"), transient: true},
		{name: "network", responder: httpmock.NewErrorResponder(errors.New("connection reset by peer")), transient: true},
		{name: "not found", responder: httpmock.NewStringResponder(http.StatusNotFound, "gone")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", searchURL, tc.responder)
			s := newTestSession(t, transport)

			_, err := s.Fetch(context.Background(), searchURL)
			require.Error(t, err)
			assert.Equal(t, tc.blocked, errors.Is(err, grocery.ErrBlocked), err.Error())
			assert.Equal(t, tc.transient, errors.Is(err, grocery.ErrTransient), err.Error())
		})
	}
}

func TestFetchBlockedRedirect(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", "https://store.test/blocked?url=search")
		return resp, nil
	})
	transport.RegisterResponder("GET", "https://store.test/blocked?url=search", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "<html><body>"+string(make([]byte, 256))+"</body></html>")
		resp.Request = req
		return resp, nil
	})

	s := newTestSession(t, transport)
	_, err := s.Fetch(context.Background(), searchURL)
	require.ErrorIs(t, err, grocery.ErrBlocked)
}

func TestSessionsHaveIsolatedCookies(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		cookies []string
	)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		cookies = append(cookies, req.Header.Get("Cookie"))
		mu.Unlock()
		resp := httpmock.NewStringResponse(http.StatusOK, "<html><body><p>results page with enough text to pass</p></body></html>")
		resp.Header.Set("Set-Cookie", "sid=abc; Path=/")
		resp.Request = req
		return resp, nil
	})

	f := New(Config{Timeout: time.Second}, nil, nil).WithTransport(transport)
	first, err := f.NewSession(context.Background())
	require.NoError(t, err)
	_, err = first.Fetch(context.Background(), searchURL)
	require.NoError(t, err)
	_, err = first.Fetch(context.Background(), searchURL)
	require.NoError(t, err)

	second, err := f.NewSession(context.Background())
	require.NoError(t, err)
	_, err = second.Fetch(context.Background(), searchURL)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cookies, 3)
	assert.Empty(t, cookies[0])
	assert.Contains(t, cookies[1], "sid=abc")
	assert.Empty(t, cookies[2], "a new session starts without cookies")
}

func TestFetchAfterClose(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, httpmock.NewMockTransport())
	require.NoError(t, s.Close())
	_, err := s.Fetch(context.Background(), searchURL)
	require.Error(t, err)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL,
		httpmock.NewStringResponder(http.StatusOK, "late").Delay(200*time.Millisecond))
	s := newTestSession(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Fetch(ctx, searchURL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"Accept-Language": {"en-CA"}}}, nil, fixedClock{})
	s := &Session{factory: f}
	var (
		page     grocery.Page
		fetchErr error
	)
	hooks := &stubHooks{}
	s.configureCollectorHooks(hooks, &page, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}, URL: mustParseURL(t, searchURL)}
	hooks.onRequest(collyReq)
	assert.Equal(t, "en-CA", collyReq.Headers.Get("Accept-Language"))
	assert.Equal(t, searchURL, page.URL)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://store.test/en/search?q=milk")},
	})
	assert.Equal(t, "body", string(page.Body))
	assert.Equal(t, "https://store.test/en/search?q=milk", page.FinalURL)
	assert.Equal(t, searchURL, page.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, classify(errors.New("x"), 503), grocery.ErrTransient)
	assert.NotErrorIs(t, classify(errors.New("x"), 404), grocery.ErrTransient)
	assert.ErrorIs(t, classify(context.Canceled, 0), context.Canceled)
	assert.NotErrorIs(t, classify(context.Canceled, 0), grocery.ErrTransient)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
