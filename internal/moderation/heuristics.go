package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/etherith-archive/etherith/internal/model"
)

// Heuristic is a rule-based moderator: regex pattern checks for spam,
// privacy leaks, and low-quality notes. It is deliberately conservative and
// approves anything it cannot match.
type Heuristic struct{}

// NewHeuristic constructs the rule-based moderator.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(buy now|click here|limited offer|act now|free money)\b`),
	regexp.MustCompile(`(?i)\b(earn \$\d+|work from home|guaranteed income)\b`),
	regexp.MustCompile(`(?i)(https?://\S+\s+){3,}`),
}

var privacyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                            // SSN-shaped
	regexp.MustCompile(`\b\d{13,16}\b`),                                    // card-number-shaped
	regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),    // email address
	regexp.MustCompile(`(?i)\b(password|passphrase|private key)\s*[:=]\s*\S`), // leaked secrets
}

// Moderate scores the note text against the pattern sets. The verdict shape
// matches what the remote gateway returns so the orchestrator treats both
// identically.
func (h *Heuristic) Moderate(ctx context.Context, req Request) (*model.ModerationResult, error) {
	result := &model.ModerationResult{
		Approved:       true,
		Confidence:     1.0,
		CategoryScores: map[string]float64{"spam": 0, "privacy": 0, "quality": 0},
	}
	note := req.MemoryNote

	spamHits := countMatches(spamPatterns, note)
	if spamHits > 0 {
		result.CategoryScores["spam"] = scoreFromHits(spamHits)
		result.Violations = append(result.Violations, "spam")
	}
	privacyHits := countMatches(privacyPatterns, note)
	if privacyHits > 0 {
		result.CategoryScores["privacy"] = scoreFromHits(privacyHits)
		result.Violations = append(result.Violations, "privacy")
	}
	if lowQuality(note) {
		result.CategoryScores["quality"] = 0.8
		result.Violations = append(result.Violations, "quality")
	}

	if len(result.Violations) > 0 {
		result.Approved = false
		result.Categories = result.Violations
		result.Reason = strings.Join(result.Violations, ", ")
		result.Confidence = 0.6
	}
	return result, nil
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	hits := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			hits++
		}
	}
	return hits
}

func scoreFromHits(hits int) float64 {
	score := 0.5 + 0.25*float64(hits-1)
	if score > 1 {
		score = 1
	}
	return score
}

// lowQuality flags shouting (all caps over a meaningful length) and notes
// that are a single repeated character.
func lowQuality(note string) bool {
	trimmed := strings.TrimSpace(note)
	if trimmed == "" {
		return true
	}
	letters := 0
	uppers := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	if letters >= 12 && uppers == letters {
		return true
	}
	distinct := make(map[rune]struct{})
	for _, r := range trimmed {
		distinct[r] = struct{}{}
	}
	return len(trimmed) >= 6 && len(distinct) == 1
}
