package expression

import (
	"math"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/overloads"
	"github.com/google/cel-go/common/types"
)

// Every number in Vars is a float64, while CEL keeps integer literals and
// size() as int and has no mixed int/double arithmetic. numericPromotion
// rewrites the compiled expression so that `dogCount + 1` means
// `dogCount + 1.0`, and `%` operands are converted to int.
type numericPromotion struct{}

type numKind int

const (
	numOther numKind = iota
	numInt
	numDouble
	numDyn
)

func (numericPromotion) Optimize(ctx *cel.OptimizerContext, a *celast.AST) *celast.AST {
	promote(ctx, a.Expr())
	return a
}

// promote rewrites e bottom-up and returns the numeric kind it yields.
func promote(ctx *cel.OptimizerContext, e celast.Expr) numKind {
	switch e.Kind() {
	case celast.LiteralKind:
		switch e.AsLiteral().(type) {
		case types.Int, types.Uint:
			return numInt
		case types.Double:
			return numDouble
		}
		return numOther

	case celast.IdentKind:
		return numDyn

	case celast.SelectKind:
		promote(ctx, e.AsSelect().Operand())
		return numDyn

	case celast.ListKind:
		for _, el := range e.AsList().Elements() {
			promote(ctx, el)
		}
		return numOther

	case celast.MapKind:
		for _, entry := range e.AsMap().Entries() {
			promote(ctx, entry.AsMapEntry().Key())
			promote(ctx, entry.AsMapEntry().Value())
		}
		return numOther

	case celast.CallKind:
		return promoteCall(ctx, e.AsCall())
	}
	return numOther
}

func promoteCall(ctx *cel.OptimizerContext, call celast.CallExpr) numKind {
	if call.IsMemberFunction() {
		promote(ctx, call.Target())
	}
	args := call.Args()
	kinds := make([]numKind, len(args))
	for i, arg := range args {
		kinds[i] = promote(ctx, arg)
	}

	switch call.FunctionName() {
	case operators.Add, operators.Subtract, operators.Multiply, operators.Divide:
		if len(args) != 2 {
			return numOther
		}
		l, r := kinds[0], kinds[1]
		if l == numInt && (r == numDouble || r == numDyn) {
			toDouble(ctx, args[0])
			l = numDouble
		}
		if r == numInt && (l == numDouble || l == numDyn) {
			toDouble(ctx, args[1])
			r = numDouble
		}
		switch {
		case l == numInt && r == numInt:
			return numInt
		case l == numDyn || r == numDyn:
			return numDyn
		case l == numDouble && r == numDouble:
			return numDouble
		}
		return numOther

	case operators.Modulo:
		for i, k := range kinds {
			if k == numDouble || k == numDyn {
				toInt(ctx, args[i])
			}
		}
		return numInt

	case operators.Negate:
		if len(kinds) == 1 {
			return kinds[0]
		}
	case operators.Conditional:
		if len(kinds) == 3 && kinds[1] == kinds[2] {
			return kinds[1]
		}
		return numDyn
	case operators.Index:
		return numDyn
	case overloads.TypeConvertInt, overloads.Size:
		return numInt
	case overloads.TypeConvertDouble:
		return numDouble
	}
	return numOther
}

func toDouble(ctx *cel.OptimizerContext, e celast.Expr) {
	if e.Kind() == celast.LiteralKind {
		switch v := e.AsLiteral().(type) {
		case types.Int:
			ctx.UpdateExpr(e, ctx.NewLiteral(types.Double(v)))
			return
		case types.Uint:
			ctx.UpdateExpr(e, ctx.NewLiteral(types.Double(v)))
			return
		}
	}
	wrap(ctx, e, overloads.TypeConvertDouble)
}

func toInt(ctx *cel.OptimizerContext, e celast.Expr) {
	if e.Kind() == celast.LiteralKind {
		if v, ok := e.AsLiteral().(types.Double); ok && float64(v) == math.Trunc(float64(v)) {
			ctx.UpdateExpr(e, ctx.NewLiteral(types.Int(v)))
			return
		}
	}
	wrap(ctx, e, overloads.TypeConvertInt)
}

// wrap replaces e with fn(e) in place.
func wrap(ctx *cel.OptimizerContext, e celast.Expr, fn string) {
	inner := ctx.NewLiteral(types.NullValue)
	inner.SetKindCase(e)
	ctx.UpdateExpr(e, ctx.NewCall(fn, inner))
}
