package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
)

// namedConstants are the identifiers the evaluator resolves. Anything
// else in identifier position is rejected.
var namedConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

type calcInput struct {
	Expression string `json:"expression"`
}

// NewCalculator builds the arithmetic tool. Expressions are parsed as Go
// expression syntax, so only numeric literals, the named constants, and
// the operators + - * / % are accepted.
func NewCalculator() Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Arithmetic expression, e.g. (2+3)*4, 10/5, or 2*pi.",
			},
		},
		"required": []string{"expression"},
	}

	return NewFuncTool(
		"calculator",
		"Evaluate arithmetic expressions with +, -, *, /, %, parentheses, and the constants pi and e.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in calcInput
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid calculator args: %w", err)
			}
			if in.Expression == "" {
				return nil, fmt.Errorf("expression is required")
			}

			node, err := parser.ParseExpr(in.Expression)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q: %w", in.Expression, err)
			}
			val, err := evalExpr(node)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"result": strconv.FormatFloat(val, 'f', -1, 64),
			}, nil
		},
	)
}

func evalExpr(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(n)
	case *ast.Ident:
		if v, ok := namedConstants[n.Name]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", n.Name)
	case *ast.ParenExpr:
		return evalExpr(n.X)
	case *ast.UnaryExpr:
		return evalUnary(n)
	case *ast.BinaryExpr:
		return evalBinary(n)
	default:
		return 0, fmt.Errorf("unsupported expression %T", node)
	}
}

func evalLiteral(lit *ast.BasicLit) (float64, error) {
	if lit.Kind != token.INT && lit.Kind != token.FLOAT {
		return 0, fmt.Errorf("unsupported literal %s", lit.Value)
	}
	v, err := strconv.ParseFloat(lit.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", lit.Value, err)
	}
	return v, nil
}

func evalUnary(expr *ast.UnaryExpr) (float64, error) {
	v, err := evalExpr(expr.X)
	if err != nil {
		return 0, err
	}
	switch expr.Op {
	case token.ADD:
		return v, nil
	case token.SUB:
		return -v, nil
	}
	return 0, fmt.Errorf("unsupported unary operator %s", expr.Op)
}

func evalBinary(expr *ast.BinaryExpr) (float64, error) {
	left, err := evalExpr(expr.X)
	if err != nil {
		return 0, err
	}
	right, err := evalExpr(expr.Y)
	if err != nil {
		return 0, err
	}
	switch expr.Op {
	case token.ADD:
		return left + right, nil
	case token.SUB:
		return left - right, nil
	case token.MUL:
		return left * right, nil
	case token.QUO:
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	case token.REM:
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return math.Mod(left, right), nil
	}
	return 0, fmt.Errorf("unsupported operator %s", expr.Op)
}
