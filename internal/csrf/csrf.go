// Package csrf implements double-submit CSRF protection: a random token
// stored in an HttpOnly cookie, echoed back by the client on every
// mutating request, and compared in constant time.
package csrf

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/sanitize"
)

// FormFieldName is the hidden form field the provided token may arrive in.
const FormFieldName = "csrf_token"

// Protector issues and validates CSRF tokens for one cookie/header pair.
type Protector struct {
	cookieName   string
	headerName   string
	tokenLength  int
	cookieMaxAge time.Duration
	secureCookie bool
	logger       *slog.Logger

	onFailure func() // observability hook, may be nil
}

// NewProtector builds a Protector from configuration. secureCookie should
// be true in production so the cookie is never sent over plain HTTP.
func NewProtector(cfg config.CSRFConfig, secureCookie bool, logger *slog.Logger) *Protector {
	return &Protector{
		cookieName:   cfg.CookieName,
		headerName:   cfg.HeaderName,
		tokenLength:  cfg.TokenLength,
		cookieMaxAge: config.MustParseDuration(cfg.CookieMaxAge, 24*time.Hour),
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// OnFailure registers a hook invoked on every validation failure.
func (p *Protector) OnFailure(fn func()) { p.onFailure = fn }

// HeaderName returns the request header the provided token is read from.
func (p *Protector) HeaderName() string { return p.headerName }

// IssueToken generates a fresh token and attaches it to the response as
// the stored cookie. The token is returned so handlers can also place it
// in the response body.
func (p *Protector) IssueToken(w http.ResponseWriter) (string, error) {
	token, err := sanitize.Token(p.tokenLength)
	if err != nil {
		return "", fmt.Errorf("issue csrf token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     p.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(p.cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   p.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})

	return token, nil
}

// Verify checks a mutating request's provided token against the stored
// cookie. Both must be non-empty and equal; the comparison runs in
// constant time regardless of where the tokens first differ.
func (p *Protector) Verify(r *http.Request) bool {
	provided := p.providedToken(r)
	stored := p.storedToken(r)

	if !tokensEqual(provided, stored) {
		if p.onFailure != nil {
			p.onFailure()
		}
		return false
	}
	return true
}

// providedToken extracts the client-submitted token, checking the custom
// header, then a hidden form field, then a query parameter. The first
// non-empty candidate wins and is sanitized as plain text.
func (p *Protector) providedToken(r *http.Request) string {
	if v := r.Header.Get(p.headerName); v != "" {
		return sanitize.Text(v)
	}

	// Only form-encoded bodies are parsed for the hidden field; reading
	// the body of a JSON request here would consume it before the handler.
	if isFormContentType(r.Header.Get("Content-Type")) {
		if err := r.ParseForm(); err == nil {
			if v := r.PostFormValue(FormFieldName); v != "" {
				return sanitize.Text(v)
			}
		}
	}

	if v := r.URL.Query().Get(FormFieldName); v != "" {
		return sanitize.Text(v)
	}

	return ""
}

func (p *Protector) storedToken(r *http.Request) string {
	c, err := r.Cookie(p.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// GenerateFormToken issues a fresh token (setting the stored cookie) and
// returns both the raw token and a ready-to-embed hidden-field snippet.
func (p *Protector) GenerateFormToken(w http.ResponseWriter) (token, field string, err error) {
	token, err = p.IssueToken(w)
	if err != nil {
		return "", "", err
	}
	field = fmt.Sprintf(`<input type="hidden" name=%q value=%q>`,
		FormFieldName, html.EscapeString(token))
	return token, field, nil
}

// ValidateFormToken validates a token submitted through a plain form
// against the request's stored cookie: format first, then the same full
// constant-time comparison Verify performs.
func (p *Protector) ValidateFormToken(r *http.Request, token string) bool {
	if !sanitize.IsTokenFormat(token, p.tokenLength) {
		if p.onFailure != nil {
			p.onFailure()
		}
		return false
	}

	if !tokensEqual(sanitize.Text(token), p.storedToken(r)) {
		if p.onFailure != nil {
			p.onFailure()
		}
		return false
	}
	return true
}

// tokensEqual compares two tokens in constant time. Hashing both sides
// first makes the comparison length-independent, so a wrong-length guess
// is indistinguishable from a wrong-content one.
func tokensEqual(provided, stored string) bool {
	if provided == "" || stored == "" {
		return false
	}
	ph := sha256.Sum256([]byte(provided))
	sh := sha256.Sum256([]byte(stored))
	return subtle.ConstantTimeCompare(ph[:], sh[:]) == 1
}

func isFormContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded" || mt == "multipart/form-data"
}

// safeMethod reports whether the method never mutates state and therefore
// skips token validation.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Middleware wraps next with the CSRF state machine: safe methods get a
// fresh stored cookie and pass through; mutating methods must present a
// token matching the stored cookie or the handler is never invoked.
func (p *Protector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) {
			if _, err := p.IssueToken(w); err != nil {
				p.logger.Error("failed to issue csrf token", "error", err)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if !p.Verify(r) {
			p.logger.Warn("csrf validation failed",
				"method", r.Method, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"invalid or missing CSRF token"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
