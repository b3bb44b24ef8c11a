package parameters

import (
	"fmt"
	"testing"
)

func TestGetValByPath(t *testing.T) {
	ctx := Context{
		Claims: map[string]any{
			"sub": "user-1",
			"app_metadata": map[string]any{
				"org_id": "org-9",
			},
		},
		Row: map[string]any{
			"id":      123,
			"name":    "Workspace Name",
			"user_id": "user-1",
		},
	}

	e := NewEvaluator()

	tests := []struct {
		expr     string
		expected any
	}{
		{"token.sub", "user-1"},
		{"token.app_metadata.org_id", "org-9"},
		{"row.id", 123.0},
		{"row.name", "Workspace Name"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := e.ParseAndEvaluate(ctx, tt.expr)
			if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", tt.expected) {
				t.Errorf("ParseAndEvaluate(%s) = %v, want %v", tt.expr, got, tt.expected)
			}
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	ctx := Context{Row: map[string]any{
		"status": "error_404",
		"score":  42,
	}}

	tests := []struct {
		name       string
		conditions []map[string]any
		expected   bool
	}{
		{
			name:       "no conditions matches",
			conditions: nil,
			expected:   true,
		},
		{
			name: "equality match",
			conditions: []map[string]any{
				{"field": "status", "operator": "=", "value": "error_404"},
			},
			expected: true,
		},
		{
			name: "equality mismatch",
			conditions: []map[string]any{
				{"field": "status", "operator": "=", "value": "ok"},
			},
			expected: false,
		},
		{
			name: "numeric comparison",
			conditions: []map[string]any{
				{"field": "score", "operator": ">=", "value": 10},
			},
			expected: true,
		},
		{
			name: "regex match",
			conditions: []map[string]any{
				{"field": "status", "operator": "regex", "value": "^error_"},
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateFilter(ctx, tt.conditions); got != tt.expected {
				t.Errorf("EvaluateFilter() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestResolveTemplate(t *testing.T) {
	ctx := Context{Claims: map[string]any{"sub": "user-42"}}
	got := ResolveTemplate("by_user/{{ token.sub }}", ctx)
	want := "by_user/user-42"
	if got != want {
		t.Errorf("ResolveTemplate() = %q, want %q", got, want)
	}
}

func TestCallFunction(t *testing.T) {
	e := NewEvaluator()

	if got := e.CallFunction("concat", []any{"a", "b", "c"}); got != "abc" {
		t.Errorf("concat = %v, want abc", got)
	}
	if got := e.CallFunction("coalesce", []any{nil, "", "fallback"}); got != "fallback" {
		t.Errorf("coalesce = %v, want fallback", got)
	}
	if got := e.CallFunction("eq", []any{"a", "a"}); got != true {
		t.Errorf("eq = %v, want true", got)
	}
}
