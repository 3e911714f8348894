package guess

import (
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

const (
	followerBaseline = 125
	followerCap      = 30
	recencyBaseline  = 30 * 24 * time.Hour
	recencyCap       = 60
	offsetTolerance  = 7200 // seconds
)

// Scored is a ranked candidate.
type Scored struct {
	Profile *profile.Profile
	Term    string
	Score   int
}

// Rank scores every candidate against the subject and sorts by descending score.
// Equal scores keep the input order. now is the evaluation time for the recency signal.
func Rank(s Subject, found []Found, now time.Time) []Scored {
	out := make([]Scored, 0, len(found))
	for _, f := range found {
		out = append(out, Scored{Profile: f.Profile, Term: f.Term, Score: Score(s, f.Profile, now)})
	}
	slices.SortStableFunc(out, func(a, b Scored) int { return b.Score - a.Score })
	return out
}

// Score computes the likelihood that p is the subject's account. Never negative.
func Score(s Subject, p *profile.Profile, now time.Time) int {
	score := scoreFollowers(p.Followers) +
		scoreName(s.Tokens, p.Name, p.Handle) +
		scoreLocation(s.Location, p.Location, p.Bio) +
		scoreOffset(s.UTCOffset, p.UTCOffset) +
		scoreAffiliation(s.Affiliation, p.Bio) +
		scoreOffice(s.Office, p.Bio) +
		scoreKeywords(p.Handle, p.Bio) +
		scoreRecency(p.LastPostAt, now)
	return max(score, 0)
}

func scoreFollowers(followers int) int {
	if followers <= 0 {
		return 0
	}
	v := int(math.Floor(10 * math.Log2(float64(followers)/followerBaseline)))
	return min(followerCap, v)
}

func scoreName(tokens []string, displayName, handle string) int {
	name := strings.ToLower(displayName)
	h := alnumFold(handle)

	var score, nameHits, handleHits int
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if strings.Contains(name, strings.ToLower(tok)) {
			score += 10
			nameHits++
		}
		if t := alnumFold(tok); t != "" && strings.Contains(h, t) {
			score += 10
			handleHits++
		}
	}
	if nameHits == 0 {
		score -= 30
	}
	if handleHits == 0 {
		score -= 20
	}
	return score
}

func scoreLocation(hint Location, location, bio string) int {
	var score int
	switch {
	case containsFold(location, hint.Full):
		score += 30
	case containsCode(location, hint.Code):
		score += 20
	}
	switch {
	case containsFold(bio, hint.Full):
		score += 20
	case containsCode(bio, hint.Code):
		score += 10
	}
	return score
}

func scoreOffset(entity, candidate *int) int {
	if entity == nil || candidate == nil {
		return 0
	}
	d := *entity - *candidate
	if d < 0 {
		d = -d
	}
	if d > offsetTolerance {
		return -30
	}
	return 0
}

func scoreAffiliation(affiliation, bio string) int {
	if containsFold(bio, affiliation) {
		return 20
	}
	return 0
}

func scoreOffice(office, bio string) int {
	if office == "" || bio == "" {
		return 0
	}
	var hits int
	for _, w := range strings.Fields(office) {
		if len([]rune(w)) > 1 && containsFold(bio, w) {
			hits++
		}
	}
	if hits == 0 {
		return -10
	}
	return 10 * hits
}

func scoreKeywords(handle, bio string) int {
	var score int
	for _, kw := range positiveKeywords {
		if containsFold(handle, kw) {
			score += 20
		}
		if containsFold(bio, kw) {
			score += 5
		}
	}
	for _, kw := range negativeKeywords {
		if containsFold(handle, kw) {
			score -= 20
		}
		if containsFold(bio, kw) {
			score -= 20
		}
	}
	return score
}

func scoreRecency(lastPost *time.Time, now time.Time) int {
	if lastPost == nil || lastPost.IsZero() {
		return -recencyCap
	}
	// A post stamped in the future counts as posted one second ago.
	elapsed := max(now.Sub(*lastPost).Seconds(), 1)
	penalty := int(math.Floor(10 * math.Log2(elapsed/recencyBaseline.Seconds())))
	if penalty > recencyCap {
		return -recencyCap
	}
	return -penalty
}

func containsFold(s, sub string) bool {
	if s == "" || sub == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// containsCode reports whether code appears in s as a standalone word, matching case.
// "CA" matches "Oakland, CA" but not "Chicago" or "CAT".
func containsCode(s, code string) bool {
	if s == "" || code == "" {
		return false
	}
	words := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	return slices.Contains(words, code)
}

// alnumFold lowercases s and drops everything but letters and digits.
func alnumFold(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
