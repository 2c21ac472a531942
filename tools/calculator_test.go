package tools

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"testing"
)

func execCalc(t *testing.T, expr string) (float64, error) {
	t.Helper()
	tool := NewCalculator()
	args, _ := json.Marshal(map[string]string{"expression": expr})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		return 0, err
	}
	res, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", out)
	}
	v, err := strconv.ParseFloat(res["result"].(string), 64)
	if err != nil {
		t.Fatalf("result is not numeric: %#v", res)
	}
	return v, nil
}

func TestCalculatorEvaluatesExpressions(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+2", 4},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"7%3", 1},
		{"-3+1", -2},
		{"2*pi", 2 * math.Pi},
	}
	for _, tc := range cases {
		got, err := execCalc(t, tc.expr)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: got %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestCalculatorRejectsBadInput(t *testing.T) {
	for _, expr := range []string{"1/0", "5%0", "2+", "foo(1)", "x+1", ""} {
		if _, err := execCalc(t, expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}
