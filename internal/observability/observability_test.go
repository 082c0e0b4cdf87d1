package observability

import (
	"context"
	"testing"
)

func TestStartSpanWithContext(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		data     map[string]any
	}{
		{
			name:     "span with nil data",
			spanName: "test-span",
			data:     nil,
		},
		{
			name:     "span with string data",
			spanName: "string-span",
			data: map[string]any{
				"key1": "value1",
				"key2": "value2",
			},
		},
		{
			name:     "span with mixed data types",
			spanName: "mixed-span",
			data: map[string]any{
				"string": "text",
				"int":    42,
				"float":  3.14,
				"bool":   true,
				"slice":  []string{"a", "b", "c"},
			},
		},
		{
			name:     "span with empty name",
			spanName: "",
			data:     map[string]any{"test": "data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := StartSpanWithContext(context.Background(), tt.spanName, tt.data)

			if span == nil {
				t.Fatal("StartSpanWithContext returned nil span")
			}
			if ctx == nil {
				t.Fatal("StartSpanWithContext returned nil context")
			}
			if span.Name() != tt.spanName {
				t.Errorf("span.Name() = %v, want %v", span.Name(), tt.spanName)
			}
			if span.IsEnded() {
				t.Error("new span reports ended")
			}

			span.End()

			if !span.IsEnded() {
				t.Error("ended span reports not ended")
			}
		})
	}
}

func TestSpanEndIdempotent(t *testing.T) {
	_, span := StartSpanWithContext(context.Background(), "multi-end", nil)

	span.End()
	span.End()
	span.End()

	if !span.IsEnded() {
		t.Error("span should be ended")
	}
}

func TestSpanZeroValue(t *testing.T) {
	var span Span

	if span.Name() != "" {
		t.Errorf("zero value span.Name() = %v, want empty string", span.Name())
	}

	// End() on zero value should not panic
	span.End()
}

func TestSpanSetAttributeAndError(t *testing.T) {
	_, span := StartSpanWithContext(context.Background(), "attr-span", nil)
	defer span.End()

	// Should not panic for any supported type
	span.SetAttribute("string", "value")
	span.SetAttribute("int", 1)
	span.SetAttribute("bool", true)
	span.SetError(context.Canceled)
	span.SetError(nil)
}

func TestInitDisabled(t *testing.T) {
	err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init with disabled tracing returned error: %v", err)
	}

	// Spans must still work against the noop tracer.
	_, span := StartSpanWithContext(context.Background(), "noop-span", nil)
	span.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}
