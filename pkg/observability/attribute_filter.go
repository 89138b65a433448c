package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type verdict uint8

const (
	verdictDrop verdict = iota
	verdictKeep
	verdictRedact
)

// spanPolicy decides which span attributes may reach an exporter. Line content
// is repository source code and author fields identify people, so both are
// redacted regardless of the allow-list.
type spanPolicy struct {
	redactExact  map[string]struct{}
	redactPrefix []string
	keepExact    map[string]struct{}
	keepPrefix   []string
}

func newSpanPolicy() spanPolicy {
	return spanPolicy{
		redactExact:  set("email", "author", "content", "request.body", "response.body"),
		redactPrefix: []string{"user.", "line.", "author."},
		keepExact: set(
			"error", "repo", "path", "head", "files", "duplicate",
			"outcome", "survival_rate", "incomplete",
		),
		keepPrefix: []string{"linetrace.", "error.", "http.", "mcp.", "pr.", "report.", "snapshot.", "ingest."},
	}
}

func set(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}

	return m
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}

	return false
}

func (p spanPolicy) classify(key string) verdict {
	if _, ok := p.redactExact[key]; ok {
		return verdictRedact
	}

	if hasAnyPrefix(key, p.redactPrefix) {
		return verdictRedact
	}

	if _, ok := p.keepExact[key]; ok {
		return verdictKeep
	}

	if hasAnyPrefix(key, p.keepPrefix) {
		return verdictKeep
	}

	return verdictDrop
}

// attributeFilter wraps a SpanProcessor and hands it a view of each ended span
// holding only the attributes the policy keeps.
type attributeFilter struct {
	next   sdktrace.SpanProcessor
	policy spanPolicy
	logger *slog.Logger
}

// NewAttributeFilter returns a SpanProcessor that strips source content, author
// identities and unknown keys before next sees the span. A non-nil logger
// receives one warning per blocked key.
func NewAttributeFilter(next sdktrace.SpanProcessor, logger *slog.Logger) sdktrace.SpanProcessor {
	return &attributeFilter{next: next, policy: newSpanPolicy(), logger: logger}
}

func (f *attributeFilter) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	f.next.OnStart(parent, s)
}

// OnEnd forwards a filtered view; ended spans are read-only.
func (f *attributeFilter) OnEnd(s sdktrace.ReadOnlySpan) {
	f.next.OnEnd(&filteredSpan{ReadOnlySpan: s, attrs: f.keep(s.Attributes())})
}

func (f *attributeFilter) Shutdown(ctx context.Context) error {
	if err := f.next.Shutdown(ctx); err != nil {
		return fmt.Errorf("span filter shutdown: %w", err)
	}

	return nil
}

func (f *attributeFilter) ForceFlush(ctx context.Context) error {
	if err := f.next.ForceFlush(ctx); err != nil {
		return fmt.Errorf("span filter flush: %w", err)
	}

	return nil
}

func (f *attributeFilter) keep(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := attrs[:0:0]

	for _, kv := range attrs {
		key := string(kv.Key)

		v := f.policy.classify(key)
		if v == verdictKeep {
			out = append(out, kv)

			continue
		}

		if f.logger != nil {
			reason := "unlisted"
			if v == verdictRedact {
				reason = "sensitive"
			}

			f.logger.Warn("span attribute blocked", "key", key, "reason", reason)
		}
	}

	return out
}

type filteredSpan struct {
	sdktrace.ReadOnlySpan

	attrs []attribute.KeyValue
}

func (s *filteredSpan) Attributes() []attribute.KeyValue {
	return s.attrs
}
