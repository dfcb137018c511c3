package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingLogger struct {
	debugs int
	infos  int
	warns  int
	errors int
	fields []Field
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }
func (r *recordingLogger) Warn(_ string, fields ...Field) {
	r.warns++
	r.fields = append(r.fields, fields...)
}

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	defer SetLogger(nil)

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestJoinErrorsSkipsNil(t *testing.T) {
	recorder := new(recordingLogger)
	require.NoError(t, JoinErrors(recorder, "shutdown", []error{nil, nil}))
	require.Equal(t, 0, recorder.warns)

	first := errors.New("a")
	err := JoinErrors(recorder, "shutdown", []error{nil, first, errors.New("b")}, F("step", 3))
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "shutdown: a")
	require.Equal(t, 1, recorder.warns)

	var count any
	for _, f := range recorder.fields {
		if f.Key == "failures" {
			count = f.Value
		}
	}
	require.Equal(t, 2, count)
}

func TestZapLoggerForwardsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core))

	logger.Warn("reconnecting", F("attempt", 2), Err(errors.New("closed")))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "reconnecting", entries[0].Message)
	ctx := entries[0].ContextMap()
	require.EqualValues(t, 2, ctx["attempt"])
	require.Equal(t, "closed", ctx["error"])
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger(ZapConfig{Level: "loud"})
	require.Error(t, err)

	logger, err := NewZapLogger(ZapConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)
}
