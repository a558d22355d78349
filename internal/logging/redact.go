package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// credential is a registered secret and the label it is masked with
type credential struct {
	value string
	label string
}

// Redactor masks registered secrets in log output.
// It is safe for concurrent use.
type Redactor struct {
	mu sync.RWMutex
	// longest value first, so a secret containing another is masked whole
	credentials []credential
}

// NewRedactor creates an empty redactor
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Register adds a secret. Empty values are ignored.
func (r *Redactor) Register(value, label string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.credentials), func(i int) bool {
		return len(r.credentials[i].value) < len(value)
	})
	r.credentials = append(r.credentials, credential{})
	copy(r.credentials[i+1:], r.credentials[i:])
	r.credentials[i] = credential{value: value, label: label}
}

// Unregister removes the first registration matching value and label
func (r *Redactor) Unregister(value, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.credentials {
		if c.value == value && c.label == label {
			r.credentials = append(r.credentials[:i], r.credentials[i+1:]...)
			return
		}
	}
}

// Len returns the number of registrations
func (r *Redactor) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.credentials)
}

// Redact replaces every registered value in s with ***label***
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.credentials {
		if strings.Contains(s, c.value) {
			s = strings.ReplaceAll(s, c.value, "***"+c.label+"***")
		}
	}
	return s
}

// Handler wraps next so that every record passes through the redactor
func (r *Redactor) Handler(next slog.Handler) slog.Handler {
	return &redactHandler{next: next, redactor: r}
}

type redactHandler struct {
	next     slog.Handler
	redactor *Redactor
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactHandler{next: h.next.WithAttrs(redacted), redactor: h.redactor}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}

func (h *redactHandler) redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		redacted := make([]any, len(group))
		for i, g := range group {
			redacted[i] = h.redactAttr(g)
		}
		return slog.Group(a.Key, redacted...)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, h.redactor.Redact(x.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, h.redactor.Redact(x.String()))
		case []byte:
			return slog.String(a.Key, h.redactor.Redact(string(x)))
		default:
			// Only stringify values that actually carry a secret.
			s := fmt.Sprint(x)
			if r := h.redactor.Redact(s); r != s {
				return slog.String(a.Key, r)
			}
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
