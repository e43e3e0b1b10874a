package llm

import (
	"errors"
	"testing"
)

func TestFamily(t *testing.T) {
	tests := []struct {
		providerKey string
		modelID     string
		want        string
	}{
		{"openai", "gpt-4o", familyOpenAI},
		{"azure", "my-deployment", familyOpenAI},
		{"groq", "llama-3.1-70b", familyOpenAI},
		{"anthropic", "claude-sonnet-4", familyAnthropic},
		{"google", "gemini-2.0-flash", familyGemini},
		{"", "claude-3-5-haiku", familyAnthropic},
		{"", "gemini-1.5-pro", familyGemini},
		{"", "command-r-plus", familyCohere},
		{"", "mistral/mistral-large", familyMistral},
		{"", "gpt-4.1", familyOpenAI},
		{"", "o3-mini", familyOpenAI},
		{"", "some-local-model", familyUnknown},
	}
	for _, tt := range tests {
		if got := Family(tt.providerKey, tt.modelID); got != tt.want {
			t.Errorf("Family(%q, %q) = %q, want %q", tt.providerKey, tt.modelID, got, tt.want)
		}
	}
}

func TestResolveTemperatureRules(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		temp     float64
		want     float64
		action   Action
	}{
		{"gpt5 locks to one", "openai", "gpt-5", 0.2, 1.0, ActionClamp},
		{"o-series locks to one", "openai", "o3-mini", 0.0, 1.0, ActionClamp},
		{"o-series already one", "openai", "o4-mini", 1.0, 1.0, ""},
		{"gemini3 floors at one", "google", "gemini-3-pro", 0.3, 1.0, ActionClamp},
		{"gemini3 above floor untouched", "google", "gemini-3-pro", 1.5, 1.5, ""},
		{"anthropic clamps high", "anthropic", "claude-sonnet-4", 1.7, 1.0, ActionClamp},
		{"openai wide range untouched", "openai", "gpt-4o", 1.7, 1.7, ""},
		{"negative clamps to zero", "openai", "gpt-4o", -0.5, 0, ActionClamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, log := Resolve(tt.provider, tt.model, map[string]any{"temperature": tt.temp}, nil, nil)
			got, _ := asFloat(out["temperature"])
			if got != tt.want {
				t.Fatalf("temperature = %g, want %g", got, tt.want)
			}
			if tt.action == "" {
				for _, a := range log {
					if a.Param == "temperature" && a.Action != ActionWarn {
						t.Fatalf("unexpected adjustment: %+v", a)
					}
				}
				return
			}
			found := false
			for _, a := range log {
				if a.Param == "temperature" && a.Action == tt.action {
					found = true
				}
			}
			if !found {
				t.Fatalf("no %s adjustment for temperature in %+v", tt.action, log)
			}
		})
	}
}

func TestResolveAnthropicDropsTopP(t *testing.T) {
	out, log := Resolve("anthropic", "claude-sonnet-4", map[string]any{
		"temperature": 0.7,
		"top_p":       0.9,
	}, nil, nil)

	if _, ok := out["top_p"]; ok {
		t.Fatal("top_p survived alongside temperature")
	}
	if got, _ := asFloat(out["temperature"]); got != 0.7 {
		t.Fatalf("temperature = %g, want 0.7", got)
	}
	found := false
	for _, a := range log {
		if a.Param == "top_p" && a.Action == ActionDrop {
			found = true
		}
	}
	if !found {
		t.Fatalf("no drop entry for top_p in %+v", log)
	}
}

func TestResolveOSeriesRenamesMaxTokens(t *testing.T) {
	out, log := Resolve("openai", "o1-preview", map[string]any{"max_tokens": 1024}, nil, nil)

	if _, ok := out["max_tokens"]; ok {
		t.Fatal("max_tokens survived for o-series model")
	}
	if got, _ := asFloat(out["max_completion_tokens"]); got != 1024 {
		t.Fatalf("max_completion_tokens = %g, want 1024", got)
	}
	found := false
	for _, a := range log {
		if a.Param == "max_tokens" && a.Action == ActionRename {
			found = true
		}
	}
	if !found {
		t.Fatalf("no rename entry in %+v", log)
	}
}

func TestResolveCohereClampsPenalties(t *testing.T) {
	out, _ := Resolve("cohere", "command-r", map[string]any{
		"frequency_penalty": 1.8,
		"presence_penalty":  -0.4,
	}, nil, nil)

	if got, _ := asFloat(out["frequency_penalty"]); got != 1 {
		t.Fatalf("frequency_penalty = %g, want 1", got)
	}
	if got, _ := asFloat(out["presence_penalty"]); got != 0 {
		t.Fatalf("presence_penalty = %g, want 0", got)
	}
}

func TestResolveWarnsUnknownParam(t *testing.T) {
	out, log := Resolve("anthropic", "claude-sonnet-4", map[string]any{"logit_bias": map[string]any{"50256": -100}}, nil, nil)

	if _, ok := out["logit_bias"]; !ok {
		t.Fatal("unknown param removed instead of warned")
	}
	found := false
	for _, a := range log {
		if a.Param == "logit_bias" && a.Action == ActionWarn {
			found = true
		}
	}
	if !found {
		t.Fatalf("no warn entry in %+v", log)
	}
}

func TestResolveSkipParamsStripLast(t *testing.T) {
	// skip_params beats both the rule table and passthrough.
	out, log := Resolve("openai", "gpt-4o",
		map[string]any{"temperature": 0.5},
		[]string{"temperature", "extra"},
		map[string]any{"extra": "v"})

	if _, ok := out["temperature"]; ok {
		t.Fatal("temperature survived skip list")
	}
	if _, ok := out["extra"]; ok {
		t.Fatal("passthrough value survived skip list")
	}
	drops := 0
	for _, a := range log {
		if a.Action == ActionDrop {
			drops++
		}
	}
	if drops != 2 {
		t.Fatalf("drop entries = %d, want 2", drops)
	}
}

func TestResolvePassthroughUnchanged(t *testing.T) {
	out, _ := Resolve("openai", "gpt-4o", nil, nil, map[string]any{"reasoning_effort": "high"})
	if out["reasoning_effort"] != "high" {
		t.Fatalf("passthrough = %v, want high", out["reasoning_effort"])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{errors.New("status code: 429, rate limit exceeded"), FailRateLimited},
		{errors.New("insufficient quota"), FailRateLimited},
		{errors.New("status code: 401, invalid api key"), FailAuth},
		{errors.New("403 forbidden"), FailAuth},
		{errors.New("context deadline exceeded"), FailTimeout},
		{errors.New("client timeout"), FailTimeout},
		{errors.New("something odd happened"), FailGeneric},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("status code: 503, service unavailable"), true},
		{errors.New("status code: 502, bad gateway"), true},
		{errors.New("internal server error"), true},
		{errors.New("connection refused"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("status code: 401, unauthorized"), false},
		{errors.New("status code: 400, invalid request"), false},
		{errors.New("model not found"), false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	key := "sk-verysecretkey123"
	msg := "request failed: Bearer sk-verysecretkey123 rejected"
	if got := Sanitize(msg, key); got != "request failed: Bearer [redacted] rejected" {
		t.Fatalf("Sanitize = %q", got)
	}
	// Short keys are left alone so common substrings are not blanked.
	if got := Sanitize("error abc", "abc"); got != "error abc" {
		t.Fatalf("short key sanitized: %q", got)
	}
}
