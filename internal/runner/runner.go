// Package runner holds the job handlers: benchmark, tool-eval, param-tune,
// prompt-tune, judge and judge-compare. All six share the same skeleton:
// validate params, resolve targets, run provider groups in parallel with
// each provider sequential, stream WS events, persist incrementally, return
// a result reference.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/gauntlet/internal/experiments"
	"github.com/haasonsaas/gauntlet/internal/hub"
	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// ErrNoTargets is returned when model selection matches nothing.
var ErrNoTargets = errors.New("no matching models")

// Keyring resolves per-provider API keys. Key material never touches the
// database; it comes from config or the environment.
type Keyring interface {
	APIKey(providerKey string) string
}

// KeyringFunc adapts a function to the Keyring interface.
type KeyringFunc func(providerKey string) string

func (f KeyringFunc) APIKey(providerKey string) string { return f(providerKey) }

// Runner wires the handlers to their collaborators.
type Runner struct {
	store  *store.Store
	hub    *hub.Hub
	llm    *llm.Client
	coord  *experiments.Coordinator
	keys   Keyring
	logger *slog.Logger
}

func New(st *store.Store, h *hub.Hub, client *llm.Client, coord *experiments.Coordinator, keys Keyring, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if keys == nil {
		keys = KeyringFunc(func(string) string { return "" })
	}
	return &Runner{store: st, hub: h, llm: client, coord: coord, keys: keys, logger: logger}
}

// RegisterAll binds every handler to its job type.
func (r *Runner) RegisterAll(reg *jobs.Registry) {
	reg.Register(models.JobBenchmark, r.HandleBenchmark)
	reg.Register(models.JobToolEval, r.HandleToolEval)
	reg.Register(models.JobParamTune, r.HandleParamTune)
	reg.Register(models.JobPromptTune, r.HandlePromptTune)
	reg.Register(models.JobJudge, r.HandleJudge)
	reg.Register(models.JobJudgeCompare, r.HandleJudgeCompare)
}

func (r *Runner) send(userID string, frame models.WSFrame) {
	if r.hub != nil {
		r.hub.SendToUser(userID, frame)
	}
}

// ModelRef is the precise target selector.
type ModelRef struct {
	ProviderKey string `json:"provider_key"`
	ModelID     string `json:"model_id"`
}

// Selection is the model-selection fragment shared by all handler payloads.
// Precise refs win over the legacy flat id list.
type Selection struct {
	Models   []ModelRef `json:"models,omitempty"`
	ModelIDs []string   `json:"model_ids,omitempty"`
}

// Target is a fully resolved call destination: the wire target plus the
// database rows it came from.
type Target struct {
	llm.Target
	ProviderID    string
	ModelDBID     string
	ContextWindow int
}

// resolveTargets expands the selection against the user's configured
// providers. A target is the compound (provider_key, model_id): the same
// model id under two providers yields two distinct targets. The legacy flat
// list filters by model id only and can match across providers.
func (r *Runner) resolveTargets(ctx context.Context, userID string, sel Selection) ([]Target, error) {
	providers, err := r.store.ListProviders(ctx, userID)
	if err != nil {
		return nil, err
	}

	wantRef := make(map[string]bool, len(sel.Models))
	for _, ref := range sel.Models {
		wantRef[ref.ProviderKey+"::"+ref.ModelID] = true
	}
	wantID := make(map[string]bool, len(sel.ModelIDs))
	for _, id := range sel.ModelIDs {
		wantID[id] = true
	}

	var out []Target
	for _, p := range providers {
		ms, err := r.store.ListModels(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			switch {
			case len(wantRef) > 0:
				if !wantRef[p.Key+"::"+m.LiteLLMID] {
					continue
				}
			case len(wantID) > 0:
				if !wantID[m.LiteLLMID] {
					continue
				}
			default:
				continue
			}
			out = append(out, Target{
				Target: llm.Target{
					ProviderKey: p.Key,
					APIBase:     p.APIBase,
					APIKey:      r.keys.APIKey(p.Key),
					ModelID:     m.LiteLLMID,
					SkipParams:  m.SkipParams,
				},
				ProviderID:    p.ID,
				ModelDBID:     m.ID,
				ContextWindow: m.ContextWindow,
			})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoTargets
	}
	return out, nil
}

// groupByProvider splits targets into per-provider slices with a stable
// provider order.
func groupByProvider(targets []Target) [][]Target {
	byKey := make(map[string][]Target)
	var keys []string
	for _, t := range targets {
		if _, ok := byKey[t.ProviderKey]; !ok {
			keys = append(keys, t.ProviderKey)
		}
		byKey[t.ProviderKey] = append(byKey[t.ProviderKey], t)
	}
	sort.Strings(keys)
	out := make([][]Target, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

// runProviderGroups runs fn once per target: provider groups in parallel,
// targets within one provider sequentially so a shared endpoint is never
// hit concurrently by its own group. The first error wins; other groups
// still drain.
func runProviderGroups(targets []Target, fn func(t Target) error) error {
	groups := groupByProvider(targets)

	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, group := range groups {
		wg.Add(1)
		go func(i int, group []Target) {
			defer wg.Done()
			for _, t := range group {
				if err := fn(t); err != nil {
					errs[i] = err
					return
				}
			}
		}(i, group)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// sharesAPIBase reports whether the judge target rides the same endpoint as
// any eval target. Inline judge pools collapse to one worker in that case.
func sharesAPIBase(judge llm.Target, targets []Target) bool {
	if judge.APIBase == "" {
		return false
	}
	for _, t := range targets {
		if t.APIBase == judge.APIBase {
			return true
		}
	}
	return false
}

func decodeParams[T any](job *models.Job) (*T, error) {
	var out T
	if err := json.Unmarshal([]byte(job.ParamsJSON), &out); err != nil {
		return nil, fmt.Errorf("invalid job params: %w", err)
	}
	return &out, nil
}

// pct maps done/total to a 0..100 progress value.
func pct(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
