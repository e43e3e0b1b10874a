package runner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// toolSelectionScore grades the tool the model picked against the
// expectation. Comparison is case-insensitive; a JSON-array expectation
// means any listed tool counts. Cases with should_call_tool=false invert:
// staying silent scores 1.0.
func toolSelectionScore(actualTool string, tc *models.ToolTestCase) float64 {
	actual := strings.ToLower(strings.TrimSpace(actualTool))
	if !tc.ShouldCallTool {
		if actual == "" {
			return 1.0
		}
		return 0.0
	}
	if actual == "" {
		return 0.0
	}
	for _, want := range expectedTools(tc.ExpectedTool) {
		if actual == want {
			return 1.0
		}
	}
	return 0.0
}

// expectedTools parses the expectation: either a plain name or a JSON array
// of acceptable names.
func expectedTools(expected string) []string {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}
	if strings.HasPrefix(expected, "[") {
		var list []string
		if err := json.Unmarshal([]byte(expected), &list); err == nil {
			for i := range list {
				list[i] = strings.ToLower(strings.TrimSpace(list[i]))
			}
			return list
		}
	}
	return []string{strings.ToLower(expected)}
}

// paramAccuracy grades call arguments under the case's strategy. Nil means
// not applicable: the case declared no expected params, so overall score is
// tool selection alone.
func paramAccuracy(tc *models.ToolTestCase, actualJSON string) *float64 {
	if strings.TrimSpace(tc.ExpectedParamsJSON) == "" {
		return nil
	}
	var expected, actual map[string]any
	if err := json.Unmarshal([]byte(tc.ExpectedParamsJSON), &expected); err != nil || len(expected) == 0 {
		return nil
	}
	if actualJSON != "" {
		// Unparseable arguments score zero rather than erroring the case.
		_ = json.Unmarshal([]byte(actualJSON), &actual)
	}

	strategy := tc.ParamScoring
	if strategy == "" {
		strategy = models.ScoringExact
	}

	var sum float64
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			continue
		}
		sum += valueScore(strategy, want, got)
	}
	score := sum / float64(len(expected))
	return &score
}

func valueScore(strategy models.ParamScoring, want, got any) float64 {
	ws := normalizeValue(want)
	gs := normalizeValue(got)

	switch strategy {
	case models.ScoringExact:
		if ws == gs {
			return 1.0
		}
		return 0.0
	case models.ScoringContains:
		if ws == "" || strings.Contains(gs, ws) {
			return 1.0
		}
		return 0.0
	case models.ScoringFuzzy:
		return similarity(ws, gs)
	case models.ScoringSemantic:
		// No embedding backend: token overlap stands in, which keeps the
		// score monotone with meaning overlap for short argument strings.
		return tokenOverlap(ws, gs)
	default:
		if ws == gs {
			return 1.0
		}
		return 0.0
	}
}

// normalizeValue renders a JSON value to a lowercase comparable string.
// Numbers render without a trailing .0 so 5 and 5.0 compare equal.
func normalizeValue(v any) string {
	switch n := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(n))
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.ToLower(string(b))
	}
}

// similarity is a normalized Levenshtein ratio in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	d := levenshtein(a, b)
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return 1.0 - float64(d)/float64(max)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// tokenOverlap is the Jaccard index over whitespace tokens.
func tokenOverlap(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	set := make(map[string]bool, len(ta))
	for _, tok := range ta {
		set[tok] = true
	}
	union := make(map[string]bool, len(ta)+len(tb))
	for _, tok := range ta {
		union[tok] = true
	}
	inter := 0
	for _, tok := range tb {
		if set[tok] {
			inter++
			delete(set, tok)
		}
		union[tok] = true
	}
	return float64(inter) / float64(len(union))
}

// overallScore combines tool selection with param accuracy. A nil accuracy
// leaves selection as the whole grade.
func overallScore(selection float64, accuracy *float64) float64 {
	if accuracy == nil {
		return selection
	}
	return selection * *accuracy
}

var jsonObjectRe = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// extractJSONObject pulls the first JSON object out of free-form model
// output. Models that skip the tool-call protocol often still emit the
// arguments as inline JSON.
func extractJSONObject(content string) (string, bool) {
	for _, match := range jsonObjectRe.FindAllString(content, -1) {
		var probe map[string]any
		if err := json.Unmarshal([]byte(match), &probe); err == nil {
			return match, true
		}
	}
	return "", false
}
