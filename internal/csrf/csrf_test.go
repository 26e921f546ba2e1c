package csrf

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProtector(t *testing.T) *Protector {
	t.Helper()
	return NewProtector(config.CSRFConfig{
		CookieName:   "csrf-token",
		HeaderName:   "X-CSRF-Token",
		TokenLength:  32,
		CookieMaxAge: "24h",
	}, false, slog.Default())
}

// issue runs IssueToken through a recorder and returns the token plus the
// cookie as the client would replay it.
func issue(t *testing.T, p *Protector) (string, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	token, err := p.IssueToken(rec)
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return token, cookies[0]
}

func TestIssueToken(t *testing.T) {
	t.Run("sets a hardened cookie carrying the token", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		assert.Len(t, token, 32)
		assert.Equal(t, "csrf-token", cookie.Name)
		assert.Equal(t, token, cookie.Value)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
		assert.Equal(t, 24*60*60, cookie.MaxAge)
		assert.False(t, cookie.Secure)
	})

	t.Run("secure flag follows the environment", func(t *testing.T) {
		p := NewProtector(config.CSRFConfig{
			CookieName: "csrf-token", HeaderName: "X-CSRF-Token",
			TokenLength: 32, CookieMaxAge: "24h",
		}, true, slog.Default())

		_, cookie := issue(t, p)
		assert.True(t, cookie.Secure)
	})
}

func TestVerify(t *testing.T) {
	t.Run("matching header and cookie pass", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		req := httptest.NewRequest("POST", "/api/cancellation", nil)
		req.AddCookie(cookie)
		req.Header.Set("X-CSRF-Token", token)
		assert.True(t, p.Verify(req))
	})

	t.Run("single character difference fails", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		altered := []byte(token)
		if altered[0] == 'A' {
			altered[0] = 'B'
		} else {
			altered[0] = 'A'
		}

		req := httptest.NewRequest("POST", "/api/cancellation", nil)
		req.AddCookie(cookie)
		req.Header.Set("X-CSRF-Token", string(altered))
		assert.False(t, p.Verify(req))
	})

	t.Run("missing header fails", func(t *testing.T) {
		p := testProtector(t)
		_, cookie := issue(t, p)

		req := httptest.NewRequest("POST", "/api/cancellation", nil)
		req.AddCookie(cookie)
		assert.False(t, p.Verify(req))
	})

	t.Run("missing cookie fails", func(t *testing.T) {
		p := testProtector(t)
		token, _ := issue(t, p)

		req := httptest.NewRequest("POST", "/api/cancellation", nil)
		req.Header.Set("X-CSRF-Token", token)
		assert.False(t, p.Verify(req))
	})

	t.Run("both empty fails", func(t *testing.T) {
		p := testProtector(t)
		req := httptest.NewRequest("POST", "/api/cancellation", nil)
		assert.False(t, p.Verify(req))
	})

	t.Run("token accepted from hidden form field", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		form := url.Values{FormFieldName: {token}}
		req := httptest.NewRequest("POST", "/api/cancellation", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(cookie)
		assert.True(t, p.Verify(req))
	})

	t.Run("token accepted from query parameter", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		req := httptest.NewRequest("POST", "/api/cancellation?csrf_token="+token, nil)
		req.AddCookie(cookie)
		assert.True(t, p.Verify(req))
	})

	t.Run("header takes priority over form field", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		form := url.Values{FormFieldName: {token}}
		req := httptest.NewRequest("POST", "/api/cancellation", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-CSRF-Token", "wrong-token-from-header-xxxxxxxx")
		req.AddCookie(cookie)
		assert.False(t, p.Verify(req))
	})

	t.Run("json body is not consumed by token extraction", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		body := `{"userId":"u1"}`
		req := httptest.NewRequest("POST", "/api/cancellation", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-CSRF-Token", token)
		req.AddCookie(cookie)
		require.True(t, p.Verify(req))

		buf := make([]byte, len(body))
		n, _ := req.Body.Read(buf)
		assert.Equal(t, body, string(buf[:n]))
	})

	t.Run("failure hook fires", func(t *testing.T) {
		p := testProtector(t)
		var failures int
		p.OnFailure(func() { failures++ })

		req := httptest.NewRequest("POST", "/api/cancellation", nil)
		p.Verify(req)
		assert.Equal(t, 1, failures)
	})
}

func TestGenerateFormToken(t *testing.T) {
	t.Run("returns token and embeddable field", func(t *testing.T) {
		p := testProtector(t)
		rec := httptest.NewRecorder()

		token, field, err := p.GenerateFormToken(rec)
		require.NoError(t, err)
		assert.Len(t, token, 32)
		assert.Contains(t, field, `name="csrf_token"`)
		assert.Contains(t, field, token)
		assert.Len(t, rec.Result().Cookies(), 1)
	})
}

func TestValidateFormToken(t *testing.T) {
	t.Run("accepts the stored token", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		req := httptest.NewRequest("POST", "/", nil)
		req.AddCookie(cookie)
		assert.True(t, p.ValidateFormToken(req, token))
	})

	t.Run("rejects a well-formed token that does not match the cookie", func(t *testing.T) {
		p := testProtector(t)
		_, cookie := issue(t, p)
		other, _ := issue(t, p)

		req := httptest.NewRequest("POST", "/", nil)
		req.AddCookie(cookie)
		assert.False(t, p.ValidateFormToken(req, other))
	})

	t.Run("rejects malformed tokens before comparison", func(t *testing.T) {
		p := testProtector(t)
		_, cookie := issue(t, p)

		req := httptest.NewRequest("POST", "/", nil)
		req.AddCookie(cookie)
		assert.False(t, p.ValidateFormToken(req, "short"))
		assert.False(t, p.ValidateFormToken(req, strings.Repeat("!", 32)))
	})
}

func TestMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("GET issues a cookie and reaches the handler", func(t *testing.T) {
		p := testProtector(t)
		rec := httptest.NewRecorder()

		p.Middleware(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, rec.Result().Cookies(), 1)
	})

	t.Run("POST without token is rejected with 403", func(t *testing.T) {
		p := testProtector(t)
		rec := httptest.NewRecorder()

		called := false
		h := p.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "CSRF")
		assert.False(t, called)
	})

	t.Run("POST with valid pair reaches the handler", func(t *testing.T) {
		p := testProtector(t)
		token, cookie := issue(t, p)

		req := httptest.NewRequest("POST", "/", nil)
		req.AddCookie(cookie)
		req.Header.Set("X-CSRF-Token", token)

		rec := httptest.NewRecorder()
		p.Middleware(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
