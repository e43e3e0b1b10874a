package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// streamIdleTimeout aborts a stream that stops producing chunks. The overall
// request timeout still bounds the whole call.
const streamIdleTimeout = 15 * time.Second

// StreamMetrics is the timing and token accounting captured for one
// streaming call.
type StreamMetrics struct {
	TTFTMs               float64
	TotalTimeS           float64
	OutputTokens         int
	InputTokens          int
	TokensPerSecond      float64
	InputTokensPerSecond float64
}

// StreamResult is the aggregated output of one streaming completion.
type StreamResult struct {
	Content string
	Metrics StreamMetrics
}

// streamDelta is the wire-neutral unit both provider streams reduce to.
type streamDelta struct {
	content      string
	promptTokens int
	outputTokens int
	err          error
}

// StreamCompletion opens a streaming call and aggregates it into content plus
// metrics: TTFT is the wall time to the first content-bearing chunk, and the
// chunk count stands in for output tokens unless the stream reports usage.
func (c *Client) StreamCompletion(ctx context.Context, req Request) (*StreamResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	deltas := make(chan streamDelta)
	if Family(req.Target.ProviderKey, req.Target.ModelID) == familyAnthropic {
		go c.anthropicStream(ctx, req, deltas)
	} else {
		go c.openaiStream(ctx, req, deltas)
	}

	var (
		content      strings.Builder
		chunkCount   int
		ttftMs       float64
		promptTokens int
		usageTokens  int
	)

	idle := time.NewTimer(streamIdleTimeout)
	defer idle.Stop()
consume:
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				break consume
			}
			if d.err != nil {
				c.observe(req.Target, start, d.err)
				return nil, sanitizeErr(d.err, req.Target.APIKey)
			}
			if d.content != "" {
				if ttftMs == 0 {
					ttftMs = float64(time.Since(start)) / float64(time.Millisecond)
				}
				chunkCount++
				content.WriteString(d.content)
			}
			if d.promptTokens > 0 {
				promptTokens = d.promptTokens
			}
			if d.outputTokens > 0 {
				usageTokens = d.outputTokens
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(streamIdleTimeout)

		case <-idle.C:
			err := fmt.Errorf("stream stalled: no chunk for %s: timeout", streamIdleTimeout)
			c.observe(req.Target, start, err)
			cancel()
			return nil, err

		case <-ctx.Done():
			c.observe(req.Target, start, ctx.Err())
			return nil, ctx.Err()
		}
	}

	total := time.Since(start).Seconds()
	outputTokens := usageTokens
	if outputTokens == 0 {
		outputTokens = chunkCount
	}

	m := StreamMetrics{
		TTFTMs:       ttftMs,
		TotalTimeS:   total,
		OutputTokens: outputTokens,
		InputTokens:  promptTokens,
	}
	if total > 0 {
		m.TokensPerSecond = float64(outputTokens) / total
	}
	if ttftMs > 0 && promptTokens > 0 {
		m.InputTokensPerSecond = float64(promptTokens) / (ttftMs / 1000)
	}

	c.observe(req.Target, start, nil)
	c.countTokens(req.Target, promptTokens, outputTokens)
	return &StreamResult{Content: content.String(), Metrics: m}, nil
}

// openaiStream drives the OpenAI-compatible streaming wire. The final usage
// chunk, requested via stream options, carries provider token counts.
func (c *Client) openaiStream(ctx context.Context, req Request, deltas chan<- streamDelta) {
	defer close(deltas)

	stream, err := c.openaiClient(req.Target).CreateChatCompletionStream(ctx, buildChatRequest(req, true, req.JSONMode))
	if err != nil {
		deltas <- streamDelta{err: err}
		return
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			deltas <- streamDelta{err: err}
			return
		}

		d := streamDelta{}
		if len(resp.Choices) > 0 {
			d.content = resp.Choices[0].Delta.Content
		}
		if resp.Usage != nil {
			d.promptTokens = resp.Usage.PromptTokens
			d.outputTokens = resp.Usage.CompletionTokens
		}
		if d.content == "" && d.promptTokens == 0 && d.outputTokens == 0 {
			continue
		}
		select {
		case deltas <- d:
		case <-ctx.Done():
			return
		}
	}
}
