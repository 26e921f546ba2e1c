// Package experiment implements the downsell A/B experiment: a
// device-local 50/50 variant assignment persisted in a client cookie,
// and the price calculation each variant drives.
package experiment

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/churnguard/churnguard/internal/config"
)

// Variant is one of the two experiment arms.
type Variant string

const (
	// VariantA shows no downsell.
	VariantA Variant = "A"
	// VariantB offers the discounted retention price.
	VariantB Variant = "B"
)

// Valid reports whether v is a recognized variant.
func (v Variant) Valid() bool {
	return v == VariantA || v == VariantB
}

// ParseVariant validates a client-supplied variant string.
func ParseVariant(s string) (Variant, bool) {
	v := Variant(s)
	return v, v.Valid()
}

// Assigner draws and persists per-device variant assignments. The cookie
// value is bound to the user, so a different account on the same device
// gets an independent draw; the same user on a second device does too.
type Assigner struct {
	cookieName    string
	cookieMaxAge  time.Duration
	discountCents int
	secureCookie  bool
	logger        *slog.Logger

	onAssign func(variant string) // observability hook, may be nil
}

// NewAssigner builds an Assigner from configuration.
func NewAssigner(cfg config.ExperimentConfig, secureCookie bool, logger *slog.Logger) *Assigner {
	return &Assigner{
		cookieName:    cfg.CookieName,
		cookieMaxAge:  config.MustParseDuration(cfg.CookieMaxAge, 365*24*time.Hour),
		discountCents: cfg.DiscountCents,
		secureCookie:  secureCookie,
		logger:        logger,
	}
}

// OnAssign registers a hook invoked once per fresh draw.
func (a *Assigner) OnAssign(fn func(variant string)) { a.onAssign = fn }

// GetOrAssignVariant returns the user's persisted variant, drawing and
// persisting a new one on first sight. The draw is one secure random
// byte: below 128 is A, at or above is B, an exact 50/50 split. It never
// fails the caller: if the random source errors, the user degrades to a
// fixed A with isNew=false.
func (a *Assigner) GetOrAssignVariant(w http.ResponseWriter, r *http.Request, userID string) (variant Variant, isNew bool) {
	if v, ok := a.storedVariant(r, userID); ok {
		return v, false
	}

	v, err := draw()
	if err != nil {
		a.logger.Error("secure random draw failed, degrading to variant A",
			"user_id", userID, "error", err)
		return VariantA, false
	}

	a.persist(w, userID, v)
	if a.onAssign != nil {
		a.onAssign(string(v))
	}
	return v, true
}

// draw maps one CSPRNG byte onto the two arms.
func draw() (Variant, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("secure random source unavailable: %w", err)
	}
	if b[0] < 128 {
		return VariantA, nil
	}
	return VariantB, nil
}

// storedVariant reads the assignment cookie and accepts it only when it
// belongs to this user and names a valid variant.
func (a *Assigner) storedVariant(r *http.Request, userID string) (Variant, bool) {
	c, err := r.Cookie(a.cookieName)
	if err != nil {
		return "", false
	}

	owner, raw, found := strings.Cut(c.Value, ":")
	if !found || owner != userID {
		return "", false
	}

	v := Variant(raw)
	if !v.Valid() {
		return "", false
	}
	return v, true
}

func (a *Assigner) persist(w http.ResponseWriter, userID string, v Variant) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    userID + ":" + string(v),
		Path:     "/",
		MaxAge:   int(a.cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

// DownsellPrice computes the offer price in cents for a variant: A keeps
// the current price, B subtracts the configured flat discount, floored
// at zero.
func (a *Assigner) DownsellPrice(currentPriceCents int, v Variant) int {
	if v != VariantB {
		return currentPriceCents
	}
	p := currentPriceCents - a.discountCents
	if p < 0 {
		return 0
	}
	return p
}

// FormatPrice renders a cent amount as a dollar string with two fraction
// digits, e.g. 1999 -> "$19.99".
func FormatPrice(cents int) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}
