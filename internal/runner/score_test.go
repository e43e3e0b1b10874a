package runner

import (
	"math"
	"testing"

	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

func TestToolSelectionScore(t *testing.T) {
	tests := []struct {
		name   string
		actual string
		tc     models.ToolTestCase
		want   float64
	}{
		{"exact match", "get_weather", models.ToolTestCase{ExpectedTool: "get_weather", ShouldCallTool: true}, 1.0},
		{"case insensitive", "Get_Weather", models.ToolTestCase{ExpectedTool: "get_weather", ShouldCallTool: true}, 1.0},
		{"wrong tool", "send_email", models.ToolTestCase{ExpectedTool: "get_weather", ShouldCallTool: true}, 0.0},
		{"no call expected, silent", "", models.ToolTestCase{ShouldCallTool: false}, 1.0},
		{"no call expected, called anyway", "get_weather", models.ToolTestCase{ShouldCallTool: false}, 0.0},
		{"call expected, silent", "", models.ToolTestCase{ExpectedTool: "get_weather", ShouldCallTool: true}, 0.0},
		{"any-of list hit", "search_web", models.ToolTestCase{ExpectedTool: `["search_web", "browse"]`, ShouldCallTool: true}, 1.0},
		{"any-of list miss", "get_weather", models.ToolTestCase{ExpectedTool: `["search_web", "browse"]`, ShouldCallTool: true}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolSelectionScore(tt.actual, &tt.tc); got != tt.want {
				t.Errorf("toolSelectionScore(%q) = %v, want %v", tt.actual, got, tt.want)
			}
		})
	}
}

func TestParamAccuracy(t *testing.T) {
	tests := []struct {
		name     string
		tc       models.ToolTestCase
		actual   string
		wantNil  bool
		want     float64
		wantNear bool
	}{
		{
			name:    "no expectation is not applicable",
			tc:      models.ToolTestCase{},
			actual:  `{"city": "Paris"}`,
			wantNil: true,
		},
		{
			name:   "exact full match",
			tc:     models.ToolTestCase{ExpectedParamsJSON: `{"city": "Paris", "units": "metric"}`, ParamScoring: models.ScoringExact},
			actual: `{"city": "paris", "units": "Metric"}`,
			want:   1.0,
		},
		{
			name:   "exact half match",
			tc:     models.ToolTestCase{ExpectedParamsJSON: `{"city": "Paris", "units": "metric"}`, ParamScoring: models.ScoringExact},
			actual: `{"city": "Paris", "units": "imperial"}`,
			want:   0.5,
		},
		{
			name:   "missing key scores zero for that key",
			tc:     models.ToolTestCase{ExpectedParamsJSON: `{"city": "Paris", "units": "metric"}`, ParamScoring: models.ScoringExact},
			actual: `{"city": "Paris"}`,
			want:   0.5,
		},
		{
			name:   "numbers compare across int and float forms",
			tc:     models.ToolTestCase{ExpectedParamsJSON: `{"count": 5}`, ParamScoring: models.ScoringExact},
			actual: `{"count": 5.0}`,
			want:   1.0,
		},
		{
			name:   "contains",
			tc:     models.ToolTestCase{ExpectedParamsJSON: `{"query": "weather"}`, ParamScoring: models.ScoringContains},
			actual: `{"query": "current weather in Paris"}`,
			want:   1.0,
		},
		{
			name:     "fuzzy close strings",
			tc:       models.ToolTestCase{ExpectedParamsJSON: `{"city": "paris"}`, ParamScoring: models.ScoringFuzzy},
			actual:   `{"city": "parris"}`,
			want:     1.0 - 1.0/6.0,
			wantNear: true,
		},
		{
			name:     "semantic token overlap",
			tc:       models.ToolTestCase{ExpectedParamsJSON: `{"q": "weather in paris"}`, ParamScoring: models.ScoringSemantic},
			actual:   `{"q": "paris weather today"}`,
			want:     0.5,
			wantNear: true,
		},
		{
			name:   "unparseable arguments score zero",
			tc:     models.ToolTestCase{ExpectedParamsJSON: `{"city": "Paris"}`, ParamScoring: models.ScoringExact},
			actual: `not json`,
			want:   0.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := paramAccuracy(&tt.tc, tt.actual)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("paramAccuracy = %v, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatal("paramAccuracy = nil, want a score")
			}
			if tt.wantNear {
				if math.Abs(*got-tt.want) > 1e-6 {
					t.Errorf("paramAccuracy = %v, want ~%v", *got, tt.want)
				}
			} else if *got != tt.want {
				t.Errorf("paramAccuracy = %v, want %v", *got, tt.want)
			}
		})
	}
}

func TestOverallScore(t *testing.T) {
	half := 0.5
	if got := overallScore(1.0, nil); got != 1.0 {
		t.Errorf("selection-only = %v, want 1.0", got)
	}
	if got := overallScore(1.0, &half); got != 0.5 {
		t.Errorf("combined = %v, want 0.5", got)
	}
	if got := overallScore(0.0, &half); got != 0.0 {
		t.Errorf("missed selection = %v, want 0.0", got)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"bare object", `{"tool": "get_weather"}`, `{"tool": "get_weather"}`, true},
		{"embedded in prose", `Sure, I'll call {"tool": "get_weather", "arguments": {"city": "Paris"}} now.`, `{"tool": "get_weather", "arguments": {"city": "Paris"}}`, true},
		{"skips invalid, finds valid", `{broken} then {"ok": true}`, `{"ok": true}`, true},
		{"no object", "just prose, no JSON here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSONObject(tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractJSONObject(%q) = %q, %v; want %q, %v", tt.content, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseToolResponse(t *testing.T) {
	tc := &models.ToolTestCase{ExpectedTool: "get_weather", ShouldCallTool: true}

	t.Run("native tool call wins", func(t *testing.T) {
		comp := &llm.Completion{
			Content:   "ignored",
			ToolCalls: []llm.ToolCall{{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
		}
		name, args, err := parseToolResponse(comp, tc)
		if err != nil || name != "get_weather" || args != `{"city":"Paris"}` {
			t.Fatalf("got %q %q %v", name, args, err)
		}
	})

	t.Run("inline json with tool key", func(t *testing.T) {
		comp := &llm.Completion{Content: `{"tool": "get_weather", "arguments": {"city": "Paris"}}`}
		name, args, err := parseToolResponse(comp, tc)
		if err != nil || name != "get_weather" {
			t.Fatalf("got %q %v", name, err)
		}
		if args != `{"city":"Paris"}` {
			t.Errorf("args = %q", args)
		}
	})

	t.Run("name key without arguments", func(t *testing.T) {
		comp := &llm.Completion{Content: `{"name": "get_weather"}`}
		name, args, err := parseToolResponse(comp, tc)
		if err != nil || name != "get_weather" || args != "{}" {
			t.Fatalf("got %q %q %v", name, args, err)
		}
	})

	t.Run("bare argument object credits expected tool", func(t *testing.T) {
		comp := &llm.Completion{Content: `{"city": "Paris"}`}
		name, args, err := parseToolResponse(comp, tc)
		if err != nil || name != "get_weather" || args != `{"city": "Paris"}` {
			t.Fatalf("got %q %q %v", name, args, err)
		}
	})

	t.Run("prose only means no call", func(t *testing.T) {
		comp := &llm.Completion{Content: "I cannot help with that."}
		name, args, err := parseToolResponse(comp, tc)
		if err != nil || name != "" || args != "" {
			t.Fatalf("got %q %q %v", name, args, err)
		}
	})
}

func TestMarkSurvivors(t *testing.T) {
	cands := []*models.PromptTuneCandidate{
		{ID: "a", AvgScore: 0.2},
		{ID: "b", AvgScore: 0.9},
		{ID: "c", AvgScore: 0.5},
		{ID: "d", AvgScore: 0.7},
	}
	top := markSurvivors(cands, 0.5)
	if len(top) != 2 || top[0].ID != "b" || top[1].ID != "d" {
		t.Fatalf("survivors = %v", ids(top))
	}
	for _, c := range cands {
		wantSurvive := c.ID == "b" || c.ID == "d"
		if c.Survived != wantSurvive {
			t.Errorf("candidate %s survived = %v, want %v", c.ID, c.Survived, wantSurvive)
		}
	}

	one := markSurvivors(cands[:1], 0.1)
	if len(one) != 1 || !one[0].Survived {
		t.Error("tiny population must keep at least one survivor")
	}
}

func ids(cands []*models.PromptTuneCandidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}
