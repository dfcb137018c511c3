// Package orderfilter compiles JavaScript predicate expressions over orders.
//
// An expression sees a single `order` object and must evaluate to a truthy
// value for the order to match, for example:
//
//	order.deal > 1.02 && order.sellSymbol === "DAI"
package orderfilter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/schema"
)

const component = "orderfilter"

// MaxExpressionLength bounds accepted source size.
const MaxExpressionLength = 1024

// DefaultBudget bounds a single evaluation.
const DefaultBudget = 50 * time.Millisecond

// View is the object exposed to expressions as `order`.
type View struct {
	ID          uint64   `json:"id"`
	Maker       string   `json:"maker"`
	Taker       string   `json:"taker"`
	Open        bool     `json:"open"`
	SellToken   string   `json:"sellToken"`
	SellSymbol  string   `json:"sellSymbol"`
	SellAmount  string   `json:"sellAmount"`
	BuyToken    string   `json:"buyToken"`
	BuySymbol   string   `json:"buySymbol"`
	BuyAmount   string   `json:"buyAmount"`
	CreatedAt   int64    `json:"createdAt"`
	ExpiresAt   int64    `json:"expiresAt"`
	GraceEndsAt int64    `json:"graceEndsAt"`
	Status      string   `json:"status"`
	RetryCount  uint64   `json:"retryCount"`
	Deal        *float64 `json:"deal"`
	Estimated   bool     `json:"estimated"`
}

// NewView flattens order for evaluation.
func NewView(order schema.Order, status schema.Status) View {
	view := View{
		ID:          order.ID,
		Maker:       schema.NormalizeAddress(order.Maker),
		Taker:       schema.NormalizeAddress(order.Taker),
		Open:        order.IsOpen(),
		SellToken:   schema.NormalizeAddress(order.SellToken),
		BuyToken:    schema.NormalizeAddress(order.BuyToken),
		CreatedAt:   order.CreatedAt,
		ExpiresAt:   order.Timings.ExpiresAt,
		GraceEndsAt: order.Timings.GraceEndsAt,
		Status:      string(status),
		RetryCount:  order.RetryCount,
	}
	if order.SellAmount != nil {
		view.SellAmount = order.SellAmount.String()
	}
	if order.BuyAmount != nil {
		view.BuyAmount = order.BuyAmount.String()
	}
	if order.SellTokenInfo != nil {
		view.SellSymbol = order.SellTokenInfo.Symbol
	}
	if order.BuyTokenInfo != nil {
		view.BuySymbol = order.BuyTokenInfo.Symbol
	}
	if order.Deal != nil {
		deal := order.Deal.Deal
		view.Deal = &deal
		view.Estimated = order.Deal.Estimated
	}
	return view
}

// Predicate is a compiled expression. It is safe for concurrent use; each
// evaluation borrows a runtime from a pool.
type Predicate struct {
	source  string
	program *goja.Program
	budget  time.Duration
	pool    sync.Pool
}

type vm struct {
	rt *goja.Runtime
	fn goja.Callable
}

// Compile parses expr into a predicate. budget <= 0 uses DefaultBudget.
func Compile(expr string, budget time.Duration) (*Predicate, error) {
	source := strings.TrimSpace(expr)
	if source == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("expression required"))
	}
	if len(source) > MaxExpressionLength {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("expression longer than %d bytes", MaxExpressionLength)))
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	wrapped := "(function(order) {\n\"use strict\";\nreturn (" + source + "\n);\n})"
	program, err := goja.Compile("filter", wrapped, true)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("compile expression"),
			errs.WithCause(err),
			errs.WithField("expression", source))
	}
	p := &Predicate{source: source, program: program, budget: budget}
	// Instantiate once so runtime errors in the wrapper surface at compile time.
	instance, err := p.instantiate()
	if err != nil {
		return nil, err
	}
	p.pool.Put(instance)
	return p, nil
}

// Source returns the trimmed expression.
func (p *Predicate) Source() string {
	return p.source
}

func (p *Predicate) instantiate() (*vm, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	value, err := rt.RunProgram(p.program)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("load expression"), errs.WithCause(err))
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("expression is not callable"))
	}
	return &vm{rt: rt, fn: fn}, nil
}

func (p *Predicate) acquire() (*vm, error) {
	if cached, ok := p.pool.Get().(*vm); ok && cached != nil {
		return cached, nil
	}
	return p.instantiate()
}

// Eval evaluates the expression against order with its derived status.
func (p *Predicate) Eval(order schema.Order, status schema.Status) (bool, error) {
	instance, err := p.acquire()
	if err != nil {
		return false, err
	}
	timer := time.AfterFunc(p.budget, func() {
		instance.rt.Interrupt("evaluation budget exceeded")
	})
	result, err := instance.fn(goja.Undefined(), instance.rt.ToValue(NewView(order, status)))
	// A runtime whose interrupt already fired is not reused.
	reusable := timer.Stop()
	if reusable {
		defer p.pool.Put(instance)
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, errs.New(component, errs.CodeTimeout,
				errs.WithMessage("expression exceeded its budget"),
				errs.WithField("order_id", fmt.Sprint(order.ID)))
		}
		return false, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("evaluate expression"),
			errs.WithCause(err),
			errs.WithField("order_id", fmt.Sprint(order.ID)))
	}
	return result.ToBoolean(), nil
}

// Match adapts the predicate to schema.Filter. Evaluation errors do not match.
func (p *Predicate) Match(order schema.Order, status schema.Status) bool {
	ok, err := p.Eval(order, status)
	return err == nil && ok
}
