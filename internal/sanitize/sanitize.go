// Package sanitize provides field-level input cleaning and validation for
// untrusted request bodies. Markup stripping is delegated to bluemonday;
// regex passes behind it remove residual URI schemes and event-handler
// fragments that survive entity tricks. All functions are total: bad input
// yields a failed ok flag or an empty string, never a panic.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// stripPolicy removes every tag and attribute; the contents of script and
// style elements are dropped entirely, not unwrapped.
var stripPolicy = bluemonday.StrictPolicy()

// richTextPolicy allows a narrow set of inline and structural tags with an
// equally narrow attribute list.
var richTextPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "i", "em", "strong", "p", "br", "ul", "ol", "li",
		"h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowAttrs("href", "target", "rel").OnElements("a")
	p.RequireNoFollowOnLinks(true)
	return p
}()

var (
	// Residual dangerous fragments removed after markup stripping.
	reSchemes      = regexp.MustCompile(`(?i)(javascript|vbscript|data)\s*:`)
	reEventHandler = regexp.MustCompile(`(?i)\bon\w+\s*=`)

	reEmail  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	reAmount = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)
	reUserID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)
	reReason = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

	// maliciousPatterns is the fixed set of signatures IsMalicious checks.
	// These run against the raw input, before any stripping.
	maliciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<\s*script`),
		regexp.MustCompile(`(?is)<\s*(iframe|object|embed)`),
		regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
		regexp.MustCompile(`(?i)data\s*:`),
		regexp.MustCompile(`(?i)\bon\w+\s*=`),
	}
)

// Feedback length bounds, enforced post-sanitization.
const (
	FeedbackMinLen = 25
	FeedbackMaxLen = 1000
)

// Text strips all markup, removes residual dangerous URI schemes and
// event-handler fragments, and trims surrounding whitespace.
func Text(raw string) string {
	s := stripPolicy.Sanitize(raw)
	s = reSchemes.ReplaceAllString(s, "")
	s = reEventHandler.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// HTML strips markup down to a safe allow-list of inline and structural
// tags, then applies the same residual-fragment cleanup as Text.
func HTML(raw string) string {
	s := richTextPolicy.Sanitize(raw)
	s = reSchemes.ReplaceAllString(s, "")
	s = reEventHandler.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Email cleans and lowercases the input, then validates it against a
// standard address pattern.
func Email(raw string) (string, bool) {
	s := strings.ToLower(Text(raw))
	if !reEmail.MatchString(s) {
		return "", false
	}
	return s, true
}

// Amount cleans the input and parses it as a non-negative decimal with at
// most two fraction digits.
func Amount(raw string) (float64, bool) {
	s := Text(raw)
	if !reAmount.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// UserID cleans the input and validates it as 1-50 characters of
// alphanumerics, hyphens, and underscores.
func UserID(raw string) (string, bool) {
	s := Text(raw)
	if !reUserID.MatchString(s) {
		return "", false
	}
	return s, true
}

// Feedback cleans free-text feedback, enforces the length window, and
// rejects input where dangerous fragments survive sanitization.
func Feedback(raw string) (string, bool) {
	s := Text(raw)
	if len(s) < FeedbackMinLen || len(s) > FeedbackMaxLen {
		return "", false
	}
	lower := strings.ToLower(s)
	for _, frag := range []string{"<script", "javascript:", "data:"} {
		if strings.Contains(lower, frag) {
			return "", false
		}
	}
	return s, true
}

// Reason cleans the input and validates it as alphanumerics, spaces,
// hyphens, and underscores.
func Reason(raw string) (string, bool) {
	s := Text(raw)
	if !reReason.MatchString(s) {
		return "", false
	}
	return s, true
}

// IsMalicious reports whether raw text matches any known dangerous
// pattern. It runs on the raw input and is used as a secondary gate on
// free-text fields even after field-level sanitization.
func IsMalicious(raw string) bool {
	for _, p := range maliciousPatterns {
		if p.MatchString(raw) {
			return true
		}
	}
	return false
}
