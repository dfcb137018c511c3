package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/scheduler"
)

// Session holds the live backend and routes every read through the scheduler.
// The hub attaches a backend after dialing and detaches it on disconnect.
type Session struct {
	sched *scheduler.Scheduler

	mu      sync.RWMutex
	backend Backend
}

// NewSession constructs a session bound to sched.
func NewSession(sched *scheduler.Scheduler) *Session {
	return &Session{sched: sched}
}

// Scheduler exposes the scheduler reads are routed through.
func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Attach installs backend, closing any previous one.
func (s *Session) Attach(backend Backend) {
	s.mu.Lock()
	previous := s.backend
	s.backend = backend
	s.mu.Unlock()
	if previous != nil && previous != backend {
		previous.Close()
	}
}

// Detach closes and forgets the current backend.
func (s *Session) Detach() {
	s.mu.Lock()
	previous := s.backend
	s.backend = nil
	s.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
}

// Connected reports whether a backend is attached.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend != nil
}

func (s *Session) current() (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("not connected"),
			errs.WithCause(ErrSessionClosed))
	}
	return s.backend, nil
}

// Call performs a scheduled eth_call against the latest block.
func (s *Session) Call(ctx context.Context, name string, to common.Address, data []byte) ([]byte, error) {
	return scheduler.Run(ctx, s.sched, name, func(ctx context.Context) ([]byte, error) {
		backend, err := s.current()
		if err != nil {
			return nil, err
		}
		out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return nil, Classify(err, errs.WithField("call", name))
		}
		return out, nil
	})
}

// CodeAt returns the deployed bytecode at account.
func (s *Session) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return scheduler.Run(ctx, s.sched, "eth_getCode", func(ctx context.Context) ([]byte, error) {
		backend, err := s.current()
		if err != nil {
			return nil, err
		}
		code, err := backend.CodeAt(ctx, account, nil)
		if err != nil {
			return nil, Classify(err, errs.WithField("account", account.Hex()))
		}
		return code, nil
	})
}

// Header returns the header at number, or the head when number is nil.
func (s *Session) Header(ctx context.Context, number *big.Int) (*types.Header, error) {
	return scheduler.Run(ctx, s.sched, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		backend, err := s.current()
		if err != nil {
			return nil, err
		}
		header, err := backend.HeaderByNumber(ctx, number)
		if err != nil {
			return nil, Classify(err)
		}
		if header == nil || header.Number == nil {
			return nil, errs.New(component, errs.CodeDecode, errs.WithMessage("empty header"))
		}
		return header, nil
	})
}

// FilterLogs returns historical logs matching q.
func (s *Session) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return scheduler.Run(ctx, s.sched, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		backend, err := s.current()
		if err != nil {
			return nil, err
		}
		logs, err := backend.FilterLogs(ctx, q)
		if err != nil {
			return nil, Classify(err)
		}
		return logs, nil
	})
}

// SubscribeLogs opens a log subscription on the attached backend.
func (s *Session) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	backend, err := s.current()
	if err != nil {
		return nil, err
	}
	sub, err := backend.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, Classify(err, errs.WithMessage("subscribe logs"))
	}
	return sub, nil
}

// SubscribeHeads opens a new-head subscription on the attached backend.
func (s *Session) SubscribeHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	backend, err := s.current()
	if err != nil {
		return nil, err
	}
	sub, err := backend.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, Classify(err, errs.WithMessage("subscribe heads"))
	}
	return sub, nil
}
