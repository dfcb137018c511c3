package chain

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/coachpo/swapbook/errs"
)

// JSON-RPC codes nodes and gateways use to signal throttling.
const (
	rpcLimitExceeded   = -32005
	rpcTooManyRequests = -32029
)

// ErrSessionClosed is returned when no backend is attached.
var ErrSessionClosed = errors.New("chain session has no active connection")

// Classify converts a transport error into an errs envelope. Envelopes pass
// through unchanged. Extra options are applied to newly created envelopes.
func Classify(err error, opts ...errs.Option) error {
	if err == nil {
		return nil
	}
	var existing *errs.E
	if errors.As(err, &existing) {
		return err
	}

	code, rpcCode := classify(err)
	options := make([]errs.Option, 0, len(opts)+2)
	options = append(options, errs.WithCause(err))
	if rpcCode != 0 {
		options = append(options, errs.WithRPCCode(rpcCode))
	}
	options = append(options, opts...)
	return errs.New(component, code, options...)
}

func classify(err error) (errs.Code, int) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcLimitExceeded, rpcTooManyRequests, http.StatusTooManyRequests:
			return errs.CodeRateLimited, rpcErr.ErrorCode()
		case 3:
			return errs.CodeReverted, rpcErr.ErrorCode()
		}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return errs.CodeRateLimited, httpErr.StatusCode
		case httpErr.StatusCode >= http.StatusInternalServerError:
			return errs.CodeUnavailable, httpErr.StatusCode
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.CodeTimeout, 0
	case errors.Is(err, context.Canceled), errors.Is(err, rpc.ErrClientQuit), errors.Is(err, ErrSessionClosed):
		return errs.CodeClosed, 0
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return errs.CodeNetwork, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.CodeTimeout, 0
		}
		return errs.CodeNetwork, 0
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return errs.CodeRateLimited, 0
	case strings.Contains(msg, "execution reverted"):
		return errs.CodeReverted, 0
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "no such host"):
		return errs.CodeNetwork, 0
	}
	return errs.CodeUnknown, 0
}
