package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/as-czyk/diagnostic-test/models"
)

// RequestLog persists one record per provider call.
type RequestLog interface {
	AppendLLMRequest(ctx context.Context, e models.LLMRequest) error
}

// LoggingProvider records every call of the wrapped provider.
type LoggingProvider struct {
	inner Provider
	repo  RequestLog
}

// WithLogging wraps p so that each Generate call is appended to repo.
func WithLogging(p Provider, repo RequestLog) Provider {
	return &LoggingProvider{inner: p, repo: repo}
}

func (l *LoggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := l.inner.Generate(ctx, req)

	entry := models.LLMRequest{
		Purpose:     PurposeFrom(ctx),
		Model:       l.inner.ModelID(),
		LatencyMs:   time.Since(start).Milliseconds(),
		Success:     err == nil,
		RequestBody: serializeRequest(req),
	}
	if resp != nil {
		entry.InputTokens = resp.Usage.InputTokens
		entry.OutputTokens = resp.Usage.OutputTokens
		entry.Model = resp.Model
		entry.ResponseBody = string(resp.Content)
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}

	// The request outcome stands even when the log write fails.
	if logErr := l.repo.AppendLLMRequest(context.WithoutCancel(ctx), entry); logErr != nil {
		log.Printf("Warning: failed to record LLM request (%s): %v", entry.Purpose, logErr)
	}
	return resp, err
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}

func serializeRequest(req Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString("[system]\n")
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	if req.Schema != nil {
		if def, err := json.Marshal(req.Schema.Definition); err == nil {
			fmt.Fprintf(&b, "[schema: %s]\n%s\n", req.Schema.Name, def)
		}
	}
	return b.String()
}
