package sanitize

// FieldKind is the closed set of sanitizable field kinds a schema can
// declare. Dispatch is by tagged constant, not by string inspection, so
// an unhandled kind is a visible gap rather than silent passthrough.
type FieldKind int

const (
	KindText FieldKind = iota
	KindHTML
	KindEmail
	KindAmount
	KindUserID
	KindFeedback
	KindReason
)

// Schema maps request field names to their declared kinds.
type Schema map[string]FieldKind

// Object sanitizes each declared field present in raw according to its
// kind. Fields absent from raw are omitted from the result, and fields
// whose value fails the kind's predicate are omitted as well; required
// fields are the caller's concern. Non-string values sanitize as the
// empty string and therefore drop out of validated kinds.
func Object(raw map[string]any, schema Schema) map[string]any {
	out := make(map[string]any, len(raw))

	for name, kind := range schema {
		v, present := raw[name]
		if !present || v == nil {
			continue
		}

		s, _ := v.(string)

		switch kind {
		case KindText:
			out[name] = Text(s)
		case KindHTML:
			out[name] = HTML(s)
		case KindEmail:
			if clean, ok := Email(s); ok {
				out[name] = clean
			}
		case KindAmount:
			if amt, ok := Amount(s); ok {
				out[name] = amt
			}
		case KindUserID:
			if id, ok := UserID(s); ok {
				out[name] = id
			}
		case KindFeedback:
			if fb, ok := Feedback(s); ok {
				out[name] = fb
			}
		case KindReason:
			if r, ok := Reason(s); ok {
				out[name] = r
			}
		}
	}

	return out
}
