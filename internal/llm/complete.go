package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/gauntlet/internal/backoff"
)

// maxCompletionAttempts bounds the non-streaming retry ladder: an initial
// call plus retries at 2s, 4s and 8s.
const maxCompletionAttempts = 4

// Complete runs a non-streaming call with bounded retry. Only transient
// failures (5xx, connection errors, timeouts) retry; auth and other 4xx
// propagate immediately. A rejected JSON response format falls back to plain
// output within the same attempt.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	jsonMode := req.JSONMode

	out, err := backoff.Retry(ctx, backoff.ProviderPolicy(), maxCompletionAttempts, retryable,
		func(attempt int) (*Completion, error) {
			comp, err := c.completeOnce(ctx, req, jsonMode)
			if err != nil && jsonMode && responseFormatRejected(err) {
				c.logger.Warn("provider rejected json response format, retrying without",
					"provider", req.Target.ProviderKey, "model", req.Target.ModelID)
				jsonMode = false
				comp, err = c.completeOnce(ctx, req, false)
			}
			if err != nil && toolChoiceRejected(err) {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedToolChoice, Sanitize(err.Error(), req.Target.APIKey))
			}
			if err != nil && attempt < maxCompletionAttempts && retryable(err) {
				c.logger.Warn("provider call failed, retrying",
					"provider", req.Target.ProviderKey, "model", req.Target.ModelID,
					"attempt", attempt, "error", Sanitize(err.Error(), req.Target.APIKey))
			}
			return comp, err
		})

	c.observe(req.Target, start, err)
	if err != nil {
		return nil, sanitizeErr(err, req.Target.APIKey)
	}
	c.countTokens(req.Target, out.PromptTokens, out.CompletionTokens)
	return out, nil
}

func (c *Client) completeOnce(ctx context.Context, req Request, jsonMode bool) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if Family(req.Target.ProviderKey, req.Target.ModelID) == familyAnthropic {
		return c.anthropicComplete(ctx, req)
	}
	return c.openaiComplete(ctx, req, jsonMode)
}

// sanitizeErr strips any leaked key material while preserving the typed
// sentinels callers branch on.
func sanitizeErr(err error, apiKey string) error {
	if err == nil {
		return nil
	}
	clean := Sanitize(err.Error(), apiKey)
	if clean == err.Error() {
		return err
	}
	if errors.Is(err, ErrUnsupportedToolChoice) {
		return fmt.Errorf("%w: %s", ErrUnsupportedToolChoice, clean)
	}
	return errors.New(clean)
}
