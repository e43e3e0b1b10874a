// Package llm is the provider call shim: it resolves request parameters
// against provider quirks, runs streaming benchmark calls with TTFT capture,
// and non-streaming calls with bounded retry.
package llm

import (
	"fmt"
	"strings"
)

// Action classifies one entry in the adjustment log. Only drop and clamp
// mutate the call; warn preserves user intent.
type Action string

const (
	ActionDrop   Action = "drop"
	ActionRename Action = "rename"
	ActionClamp  Action = "clamp"
	ActionWarn   Action = "warn"
)

// Adjustment records one parameter decision so the UI can show users exactly
// what reached the wire.
type Adjustment struct {
	Param    string `json:"param"`
	Original any    `json:"original,omitempty"`
	Adjusted any    `json:"adjusted,omitempty"`
	Action   Action `json:"action"`
	Reason   string `json:"reason,omitempty"`
}

// Provider families. Family resolution tries the explicit provider key
// first, then the model id prefix, then falls back to familyUnknown.
const (
	familyOpenAI    = "openai"
	familyAnthropic = "anthropic"
	familyGemini    = "gemini"
	familyCohere    = "cohere"
	familyMistral   = "mistral"
	familyOllama    = "ollama"
	familyVLLM      = "vllm"
	familyUnknown   = "_unknown"
)

var keyFamilies = map[string]string{
	"openai":     familyOpenAI,
	"azure":      familyOpenAI,
	"openrouter": familyOpenAI,
	"groq":       familyOpenAI,
	"anthropic":  familyAnthropic,
	"gemini":     familyGemini,
	"google":     familyGemini,
	"cohere":     familyCohere,
	"mistral":    familyMistral,
	"ollama":     familyOllama,
	"vllm":       familyVLLM,
}

var prefixFamilies = []struct {
	prefix string
	family string
}{
	{"anthropic/", familyAnthropic},
	{"claude", familyAnthropic},
	{"gemini/", familyGemini},
	{"gemini-", familyGemini},
	{"cohere/", familyCohere},
	{"command", familyCohere},
	{"mistral/", familyMistral},
	{"ollama/", familyOllama},
	{"vllm/", familyVLLM},
	{"openai/", familyOpenAI},
	{"gpt-", familyOpenAI},
	{"o1", familyOpenAI},
	{"o3", familyOpenAI},
	{"o4", familyOpenAI},
}

// Family identifies the provider family for a (provider key, model id) pair.
func Family(providerKey, modelID string) string {
	if f, ok := keyFamilies[strings.ToLower(strings.TrimSpace(providerKey))]; ok {
		return f
	}
	lower := strings.ToLower(modelID)
	for _, p := range prefixFamilies {
		if strings.HasPrefix(lower, p.prefix) {
			return p.family
		}
	}
	return familyUnknown
}

// temperature bounds per family. Unknown providers use the widest range and
// only warn.
var tempBounds = map[string][2]float64{
	familyOpenAI:    {0, 2},
	familyAnthropic: {0, 1},
	familyGemini:    {0, 2},
	familyCohere:    {0, 1},
	familyMistral:   {0, 1},
	familyOllama:    {0, 2},
	familyVLLM:      {0, 2},
	familyUnknown:   {0, 2},
}

// paramsKnownEverywhere never draw a warn regardless of family.
var universalParams = map[string]bool{
	"temperature": true,
	"max_tokens":  true,
	"top_p":       true,
	"stop":        true,
	"seed":        true,
}

var familyParams = map[string]map[string]bool{
	familyOpenAI:    {"frequency_penalty": true, "presence_penalty": true, "logprobs": true, "logit_bias": true, "max_completion_tokens": true, "n": true},
	familyAnthropic: {"top_k": true},
	familyGemini:    {"top_k": true, "candidate_count": true},
	familyCohere:    {"frequency_penalty": true, "presence_penalty": true, "k": true, "p": true},
	familyMistral:   {"random_seed": true, "safe_prompt": true},
	familyOllama:    {"top_k": true, "repeat_penalty": true, "num_ctx": true},
	familyVLLM:      {"top_k": true, "repetition_penalty": true, "best_of": true},
}

// Resolve merges requested parameters through the provider rule table.
// It returns the final kwargs and the adjustment log. Passthrough values are
// merged unchanged after all rules run; skip_params are stripped last.
func Resolve(providerKey, modelID string, requested map[string]any, skipParams []string, passthrough map[string]any) (map[string]any, []Adjustment) {
	family := Family(providerKey, modelID)
	out := make(map[string]any, len(requested))
	for k, v := range requested {
		out[k] = v
	}
	var log []Adjustment

	log = append(log, resolveTemperature(family, modelID, out)...)
	log = append(log, resolveConflicts(family, modelID, out)...)

	// Unknown parameters pass through with a warn so the caller knows the
	// provider may reject them.
	known := familyParams[family]
	for k := range out {
		if universalParams[k] || known[k] {
			continue
		}
		log = append(log, Adjustment{
			Param:    k,
			Original: out[k],
			Adjusted: out[k],
			Action:   ActionWarn,
			Reason:   fmt.Sprintf("parameter not recognized for %s; provider may reject it", family),
		})
	}

	for k, v := range passthrough {
		out[k] = v
	}

	for _, p := range skipParams {
		if v, ok := out[p]; ok {
			delete(out, p)
			log = append(log, Adjustment{Param: p, Original: v, Action: ActionDrop, Reason: "model skip list"})
		}
	}
	return out, log
}

func resolveTemperature(family, modelID string, params map[string]any) []Adjustment {
	temp, ok := asFloat(params["temperature"])
	if !ok {
		return nil
	}
	lower := strings.ToLower(modelID)

	// Model-specific locks override range clamping.
	if family == familyOpenAI && (isOSeries(lower) || strings.Contains(lower, "gpt-5")) {
		if temp != 1.0 {
			params["temperature"] = 1.0
			return []Adjustment{{Param: "temperature", Original: temp, Adjusted: 1.0, Action: ActionClamp,
				Reason: "model locks temperature to 1.0"}}
		}
		return nil
	}
	if family == familyGemini && strings.Contains(lower, "gemini-3") {
		if temp < 1.0 {
			params["temperature"] = 1.0
			return []Adjustment{{Param: "temperature", Original: temp, Adjusted: 1.0, Action: ActionClamp,
				Reason: "model floors temperature at 1.0"}}
		}
		return nil
	}

	bounds := tempBounds[family]
	clamped := temp
	if clamped < bounds[0] {
		clamped = bounds[0]
	}
	if clamped > bounds[1] {
		clamped = bounds[1]
	}
	if clamped != temp {
		params["temperature"] = clamped
		return []Adjustment{{Param: "temperature", Original: temp, Adjusted: clamped, Action: ActionClamp,
			Reason: fmt.Sprintf("provider range is %g..%g", bounds[0], bounds[1])}}
	}
	return nil
}

func resolveConflicts(family, modelID string, params map[string]any) []Adjustment {
	var log []Adjustment
	lower := strings.ToLower(modelID)

	switch family {
	case familyAnthropic:
		// Hard mutual exclusion: temperature wins.
		if _, hasTemp := params["temperature"]; hasTemp {
			if v, hasTopP := params["top_p"]; hasTopP {
				delete(params, "top_p")
				log = append(log, Adjustment{Param: "top_p", Original: v, Action: ActionDrop,
					Reason: "anthropic rejects temperature and top_p together"})
			}
		}

	case familyOpenAI:
		if isOSeries(lower) || strings.Contains(lower, "gpt-5") {
			if v, ok := params["max_tokens"]; ok {
				delete(params, "max_tokens")
				params["max_completion_tokens"] = v
				log = append(log, Adjustment{Param: "max_tokens", Original: v, Adjusted: v, Action: ActionRename,
					Reason: "renamed to max_completion_tokens"})
			}
		}

	case familyCohere:
		for _, p := range []string{"frequency_penalty", "presence_penalty"} {
			if v, ok := asFloat(params[p]); ok && (v < 0 || v > 1) {
				clamped := v
				if clamped < 0 {
					clamped = 0
				}
				if clamped > 1 {
					clamped = 1
				}
				params[p] = clamped
				log = append(log, Adjustment{Param: p, Original: v, Adjusted: clamped, Action: ActionClamp,
					Reason: "cohere penalty range is 0..1"})
			}
		}
	}
	return log
}

func isOSeries(lowerModelID string) bool {
	id := lowerModelID
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if id == prefix || strings.HasPrefix(id, prefix+"-") {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
