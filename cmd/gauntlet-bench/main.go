// Command gauntlet-bench measures streaming throughput of a single model
// endpoint from the command line, without the server or a database. Results
// print to stdout and save as a timestamped JSON file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/gauntlet/internal/config"
	"github.com/haasonsaas/gauntlet/internal/llm"
)

var version = "dev"

const defaultPrompt = "Write a short story about a robot learning to paint. Keep it under 300 words."

type benchOptions struct {
	configPath   string
	provider     string
	model        string
	apiBase      string
	prompt       string
	runs         int
	maxTokens    int
	temperature  float64
	contextTiers string
	noSave       bool
	outDir       string
}

type runRecord struct {
	Run             int     `json:"run"`
	ContextTier     int     `json:"context_tier"`
	TTFTMs          float64 `json:"ttft_ms"`
	TotalTimeS      float64 `json:"total_time_s"`
	OutputTokens    int     `json:"output_tokens"`
	InputTokens     int     `json:"input_tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	Error           string  `json:"error,omitempty"`
}

type benchReport struct {
	Timestamp   time.Time   `json:"timestamp"`
	Provider    string      `json:"provider"`
	Model       string      `json:"model"`
	APIBase     string      `json:"api_base,omitempty"`
	Prompt      string      `json:"prompt"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature float64     `json:"temperature"`
	Runs        []runRecord `json:"runs"`
	MedianTTFT  float64     `json:"median_ttft_ms"`
	MedianTPS   float64     `json:"median_tokens_per_second"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts benchOptions
	cmd := &cobra.Command{
		Use:           "gauntlet-bench",
		Short:         "Benchmark a model endpoint from the command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # Three runs against a local vllm endpoint
  gauntlet-bench --provider vllm --api-base http://localhost:8000/v1 --model llama-3.1-8b

  # OpenAI with a custom prompt, no result file
  gauntlet-bench --provider openai --model gpt-4o-mini --prompt "Explain WAL mode" --no-save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "gauntlet.yaml", "Path to YAML configuration file (for provider credentials)")
	cmd.Flags().StringVar(&opts.provider, "provider", "openai", "Provider key (openai, anthropic, vllm, ollama, ...)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model id to benchmark (required)")
	cmd.Flags().StringVar(&opts.apiBase, "api-base", "", "Override the provider's base URL")
	cmd.Flags().StringVar(&opts.prompt, "prompt", defaultPrompt, "Prompt sent on every run")
	cmd.Flags().IntVar(&opts.runs, "runs", 3, "Number of runs")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 256, "Max output tokens per run")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", 0.7, "Sampling temperature")
	cmd.Flags().StringVar(&opts.contextTiers, "context-tiers", "0", "Comma-separated input padding sizes in tokens, e.g. \"0,1000,5000\"")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "Do not write the JSON result file")
	cmd.Flags().StringVar(&opts.outDir, "out", ".", "Directory for the JSON result file")
	_ = cmd.MarkFlagRequired("model")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	if opts.runs < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}
	tiers, err := parseTiers(opts.contextTiers)
	if err != nil {
		return err
	}

	cfg, err := config.LoadUnchecked(opts.configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := llm.NewClient(logger, nil)

	target := llm.Target{
		ProviderKey: opts.provider,
		APIBase:     opts.apiBase,
		APIKey:      cfg.APIKey(opts.provider),
		ModelID:     opts.model,
	}

	report := benchReport{
		Timestamp:   time.Now().UTC(),
		Provider:    opts.provider,
		Model:       opts.model,
		APIBase:     opts.apiBase,
		Prompt:      opts.prompt,
		MaxTokens:   opts.maxTokens,
		Temperature: opts.temperature,
	}

	fmt.Fprintf(out, "Benchmarking %s/%s (%d runs x %d tiers)\n\n",
		opts.provider, opts.model, opts.runs, len(tiers))
	for _, tier := range tiers {
		system := padContext(tier)
		for i := 1; i <= opts.runs; i++ {
			if ctx.Err() != nil {
				break
			}
			res, err := client.StreamCompletion(ctx, llm.Request{
				Target:    target,
				System:    system,
				Messages:  []llm.Message{{Role: "user", Content: opts.prompt}},
				Params:    map[string]any{"temperature": opts.temperature},
				MaxTokens: opts.maxTokens,
			})
			rec := runRecord{Run: i, ContextTier: tier}
			if err != nil {
				rec.Error = err.Error()
				fmt.Fprintf(out, "  tier %d run %d: FAILED: %v\n", tier, i, err)
			} else {
				m := res.Metrics
				rec.TTFTMs = m.TTFTMs
				rec.TotalTimeS = m.TotalTimeS
				rec.OutputTokens = m.OutputTokens
				rec.InputTokens = m.InputTokens
				rec.TokensPerSecond = m.TokensPerSecond
				fmt.Fprintf(out, "  tier %d run %d: ttft %.0fms, %.1f tok/s, %d tokens in %.1fs\n",
					tier, i, m.TTFTMs, m.TokensPerSecond, m.OutputTokens, m.TotalTimeS)
			}
			report.Runs = append(report.Runs, rec)
		}
	}

	var ttfts, tpss []float64
	for _, r := range report.Runs {
		if r.Error == "" {
			ttfts = append(ttfts, r.TTFTMs)
			tpss = append(tpss, r.TokensPerSecond)
		}
	}
	if len(ttfts) == 0 {
		return fmt.Errorf("all %d runs failed", len(report.Runs))
	}
	report.MedianTTFT = median(ttfts)
	report.MedianTPS = median(tpss)
	fmt.Fprintf(out, "\nmedian: ttft %.0fms, %.1f tok/s\n", report.MedianTTFT, report.MedianTPS)

	if opts.noSave {
		return nil
	}
	path := fmt.Sprintf("%s/bench-%s-%s.json",
		strings.TrimRight(opts.outDir, "/"),
		sanitize(opts.model),
		report.Timestamp.Format("20060102-150405"))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	fmt.Fprintf(out, "saved %s\n", path)
	return nil
}

func parseTiers(csv string) ([]int, error) {
	if strings.TrimSpace(csv) == "" {
		return []int{0}, nil
	}
	var tiers []int
	for _, part := range strings.Split(csv, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("--context-tiers: %q is not a non-negative integer", part)
		}
		tiers = append(tiers, n)
	}
	return tiers, nil
}

// padContext builds filler text of roughly tier tokens, the same shape the
// server-side benchmark handler sends. Tier zero means no padding.
func padContext(tier int) string {
	if tier <= 0 {
		return ""
	}
	const filler = "The quick brown fox jumps over the lazy dog. "
	reps := tier/12 + 1
	var b strings.Builder
	b.Grow(reps * len(filler))
	for i := 0; i < reps; i++ {
		b.WriteString(filler)
	}
	return "Context for this benchmark run, ignore it when answering:\n" + b.String()
}

func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
