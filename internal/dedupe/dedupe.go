// Package dedupe decides whether candidate messages and notifications are
// re-deliveries of records already held locally.
package dedupe

import (
	"strings"
	"unicode"

	"chatsync/internal/domain"
)

// ContainsMessage reports whether a message identity already exists in the
// collection. Message identity is server-assigned, so exact matching is
// sufficient.
func ContainsMessage(msgs []domain.Message, id int64) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}

	return false
}

// ShouldReplace applies the notification upsert rule for two notifications
// sharing a subject key: the candidate wins only when it is strictly newer.
func ShouldReplace(existing, candidate domain.Notification) bool {
	return candidate.CreatedAt.After(existing.CreatedAt)
}

// Normalize prepares a string for similarity comparison: trim, collapse
// whitespace runs, strip punctuation, lower-case.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(unicode.ToLower(r))
		}
	}

	return b.String()
}

// Similarity returns the best character-overlap ratio between the shorter of
// the two normalized strings and every equal-length substring window of the
// longer one. Substring containment in either direction scores 1.
func Similarity(a, b string) float64 {
	na := []rune(Normalize(a))
	nb := []rune(Normalize(b))
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}

	shorter, longer := na, nb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.Contains(string(longer), string(shorter)) {
		return 1
	}

	best := 0.0
	for start := 0; start+len(shorter) <= len(longer); start++ {
		overlap := 0
		for i, r := range shorter {
			if longer[start+i] == r {
				overlap++
			}
		}
		ratio := float64(overlap) / float64(len(shorter))
		if ratio > best {
			best = ratio
		}
	}

	return best
}

// SimilarEnough reports whether two strings match under the given ratio
// threshold.
func SimilarEnough(a, b string, threshold float64) bool {
	return Similarity(a, b) > threshold
}

// CollapseRetries drops messages that are near-identical retries of an
// earlier message from the same sender in the same channel. The input must
// already be in canonical order; the earliest occurrence survives.
func CollapseRetries(msgs []domain.Message, threshold float64) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		retry := false
		for i := len(out) - 1; i >= 0; i-- {
			prev := out[i]
			if prev.ChannelID != m.ChannelID || prev.SenderID != m.SenderID {
				continue
			}
			if prev.ID != m.ID && SimilarEnough(prev.Content, m.Content, threshold) {
				retry = true
			}

			break
		}
		if retry {
			continue
		}
		out = append(out, m)
	}

	return out
}
