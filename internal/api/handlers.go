package api

import (
	"net/http"
	"time"

	"github.com/churnguard/churnguard/internal/analytics"
	"github.com/churnguard/churnguard/internal/experiment"
	"github.com/churnguard/churnguard/internal/ratelimit"
	"github.com/churnguard/churnguard/internal/sanitize"
	"github.com/churnguard/churnguard/internal/store"
)

var cancellationSchema = sanitize.Schema{
	"userId":   sanitize.KindUserID,
	"variant":  sanitize.KindText,
	"reason":   sanitize.KindReason,
	"amount":   sanitize.KindAmount,
	"feedback": sanitize.KindFeedback,
}

var feedbackSchema = sanitize.Schema{
	"userId":   sanitize.KindUserID,
	"feedback": sanitize.KindFeedback,
}

var downsellSchema = sanitize.Schema{
	"userId": sanitize.KindUserID,
	"amount": sanitize.KindAmount,
}

// handleToken issues a fresh CSRF token and cookie for the flow. It sits on
// the auth scope so token minting cannot be farmed for brute-force attempts.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, h.limits.Auth) {
		return
	}

	token, err := h.csrf.IssueToken(w)
	if err != nil {
		h.logger.Error("CSRF token issuance failed", "error", err)
		h.serverError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"csrfToken": token,
	})
}

// handleCancellation processes a completed cancellation: sanitize the
// payload, reject malicious feedback outright, persist the completion, and
// emit the analytics event.
func (h *Handler) handleCancellation(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, h.limits.Cancellation) {
		return
	}
	if !h.verifyCSRF(w, r) {
		return
	}

	raw, ok := h.decodeBody(w, r)
	if !ok {
		return
	}

	// Malicious content is checked against the raw value so a payload the
	// sanitizer would neutralize is still rejected and counted.
	if rawFeedback, ok := raw["feedback"].(string); ok && sanitize.IsMalicious(rawFeedback) {
		h.metrics.IncMaliciousInput()
		h.badRequest(w, "cancellation", "feedback contains disallowed content")
		return
	}

	clean := sanitize.Object(raw, cancellationSchema)

	userID, _ := clean["userId"].(string)
	rawVariant, _ := clean["variant"].(string)
	reason, _ := clean["reason"].(string)
	if userID == "" || rawVariant == "" || reason == "" {
		h.badRequest(w, "cancellation", "userId, variant and reason are required")
		return
	}

	variant, ok := experiment.ParseVariant(rawVariant)
	if !ok {
		h.badRequest(w, "cancellation", "variant must be A or B")
		return
	}

	feedback, _ := clean["feedback"].(string)
	if _, provided := raw["feedback"].(string); provided && feedback == "" {
		h.badRequest(w, "cancellation", "feedback must be between 25 and 1000 characters")
		return
	}

	if !h.subs.HandleCancellationCompletion(r.Context(), userID, string(variant), reason) {
		h.metrics.IncPersistenceFailures()
		h.logger.Error("cancellation persistence failed", "user_id", userID)
		h.serverError(w)
		return
	}

	h.emitter.Emit(analytics.CompletionEvent{
		UserID:      userID,
		Variant:     string(variant),
		Reason:      reason,
		Outcome:     "cancelled",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		RequestID:   requestID(w),
		ClientKey:   ratelimit.ClientKey(r),
		FeedbackLen: len(feedback),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "subscription cancelled",
		"data": map[string]string{
			"userId":  userID,
			"variant": string(variant),
			"reason":  reason,
		},
	})
}

// handleFeedback records standalone free-text feedback outside the
// cancellation completion path.
func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, h.limits.Feedback) {
		return
	}
	if !h.verifyCSRF(w, r) {
		return
	}

	raw, ok := h.decodeBody(w, r)
	if !ok {
		return
	}

	if rawFeedback, ok := raw["feedback"].(string); ok && sanitize.IsMalicious(rawFeedback) {
		h.metrics.IncMaliciousInput()
		h.badRequest(w, "feedback", "feedback contains disallowed content")
		return
	}

	clean := sanitize.Object(raw, feedbackSchema)
	userID, _ := clean["userId"].(string)
	feedback, _ := clean["feedback"].(string)
	if userID == "" || feedback == "" {
		h.badRequest(w, "feedback", "userId and feedback (25-1000 characters) are required")
		return
	}

	if !h.subs.CreateCancellationRecord(r.Context(), store.CancellationRecord{
		UserID:   userID,
		Feedback: feedback,
	}) {
		h.metrics.IncPersistenceFailures()
		h.logger.Error("feedback persistence failed", "user_id", userID)
		h.serverError(w)
		return
	}

	h.emitter.Emit(analytics.CompletionEvent{
		UserID:      userID,
		Outcome:     "feedback",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		RequestID:   requestID(w),
		ClientKey:   ratelimit.ClientKey(r),
		FeedbackLen: len(feedback),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "feedback received",
	})
}

// handleVariant returns (assigning if needed) the caller's experiment
// variant together with the pricing the variant implies.
func (h *Handler) handleVariant(w http.ResponseWriter, r *http.Request) {
	userID, ok := sanitize.UserID(r.URL.Query().Get("userId"))
	if !ok {
		h.badRequest(w, "variant", "a valid userId query parameter is required")
		return
	}

	variant, isNew := h.assigner.GetOrAssignVariant(w, r, userID)

	sub, ok := h.subs.GetUserSubscription(r.Context(), userID)
	if !ok {
		h.logger.Error("subscription lookup failed", "user_id", userID)
		h.serverError(w)
		return
	}

	downsell := h.assigner.DownsellPrice(sub.PriceCents, variant)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"variant":         string(variant),
		"isNewAssignment": isNew,
		"originalPrice":   sub.PriceCents,
		"downsellPrice":   downsell,
		"formattedPrice":  experiment.FormatPrice(downsell),
	})
}

// handleDownsell accepts the discounted offer: charge through the payment
// collaborator, move the subscription to the downsell status, and emit the
// acceptance event.
func (h *Handler) handleDownsell(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, h.limits.Cancellation) {
		return
	}
	if !h.verifyCSRF(w, r) {
		return
	}

	raw, ok := h.decodeBody(w, r)
	if !ok {
		return
	}

	clean := sanitize.Object(raw, downsellSchema)
	userID, _ := clean["userId"].(string)
	if userID == "" {
		h.badRequest(w, "downsell", "a valid userId is required")
		return
	}

	variant, _ := h.assigner.GetOrAssignVariant(w, r, userID)

	sub, ok := h.subs.GetUserSubscription(r.Context(), userID)
	if !ok {
		h.logger.Error("subscription lookup failed", "user_id", userID)
		h.serverError(w)
		return
	}

	downsell := h.assigner.DownsellPrice(sub.PriceCents, variant)
	result := h.payments.ProcessDownsellPayment(r.Context(), userID, sub.PriceCents, downsell)
	if !result.Success {
		h.logger.Error("downsell payment failed",
			"user_id", userID, "error", result.Error)
		h.serverError(w)
		return
	}

	if !h.subs.UpdateSubscriptionStatus(r.Context(), userID, "downsell") {
		h.metrics.IncPersistenceFailures()
		h.logger.Error("downsell status update failed",
			"user_id", userID, "transaction_id", result.TransactionID)
		h.serverError(w)
		return
	}

	h.emitter.Emit(analytics.CompletionEvent{
		UserID:        userID,
		Variant:       string(variant),
		Outcome:       "downsell_accepted",
		PriceCents:    downsell,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		RequestID:     requestID(w),
		ClientKey:     ratelimit.ClientKey(r),
		TransactionID: result.TransactionID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        "discount applied",
		"transactionId":  result.TransactionID,
		"newPriceCents":  downsell,
		"formattedPrice": experiment.FormatPrice(downsell),
	})
}
