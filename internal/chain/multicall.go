package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/swapbook/errs"
)

// DefaultMulticallAddress is the canonical Multicall3 deployment.
var DefaultMulticallAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Call is one constituent read of an aggregated call.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Result is the outcome of one constituent read.
type Result struct {
	Success    bool
	ReturnData []byte
}

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Multicall packages independent reads into a single aggregate3 request.
type Multicall struct {
	session *Session
	address common.Address

	mu        sync.Mutex
	checked   bool
	available bool
}

// NewMulticall binds the aggregator at address. The zero address disables it.
func NewMulticall(session *Session, address common.Address) *Multicall {
	return &Multicall{session: session, address: address}
}

// Address returns the aggregator address.
func (m *Multicall) Address() common.Address {
	return m.address
}

// Available reports whether aggregator code is deployed at the configured
// address. A positive or negative answer is remembered; transport failures
// are not.
func (m *Multicall) Available(ctx context.Context) bool {
	if m == nil || m.address == (common.Address{}) {
		return false
	}
	m.mu.Lock()
	if m.checked {
		available := m.available
		m.mu.Unlock()
		return available
	}
	m.mu.Unlock()

	code, err := m.session.CodeAt(ctx, m.address)
	if err != nil {
		return false
	}
	m.mu.Lock()
	m.checked = true
	m.available = len(code) > 0
	available := m.available
	m.mu.Unlock()
	return available
}

// Aggregate executes calls in one request. Each result carries its own
// success flag; a failing constituent never fails the whole request.
func (m *Multicall) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if !m.Available(ctx) {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("multicall not deployed"),
			errs.WithField("address", m.address.Hex()))
	}

	packed := make([]call3, len(calls))
	for i, c := range calls {
		packed[i] = call3{Target: c.Target, AllowFailure: true, CallData: c.CallData}
	}
	data, err := multicallABI.Pack("aggregate3", packed)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("pack aggregate3"), errs.WithCause(err))
	}
	out, err := m.session.Call(ctx, "aggregate3", m.address, data)
	if err != nil {
		return nil, err
	}
	values, err := multicallABI.Unpack("aggregate3", out)
	if err != nil {
		return nil, decodeError("aggregate3", err)
	}
	if len(values) != 1 {
		return nil, decodeError("aggregate3", fmt.Errorf("expected 1 output, got %d", len(values)))
	}
	results, ok := abi.ConvertType(values[0], new([]Result)).(*[]Result)
	if !ok || results == nil {
		return nil, decodeError("aggregate3", fmt.Errorf("unexpected output %T", values[0]))
	}
	if len(*results) != len(calls) {
		return nil, decodeError("aggregate3", fmt.Errorf("expected %d results, got %d", len(calls), len(*results)))
	}
	return *results, nil
}
