package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/testhive/internal/arbiter"
)

type fakeHost struct {
	mu       sync.Mutex
	requests []arbiter.FileRequestMeta
	released []string
	err      error
}

func (h *fakeHost) RequestFileName(_ context.Context, meta arbiter.FileRequestMeta) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return "", h.err
	}
	h.requests = append(h.requests, meta)
	return "/artifacts/" + meta.Type + "/" + meta.WorkerID + "/f." + meta.Ext, nil
}

func (h *fakeHost) Release(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, path)
	return nil
}

func quietExecutor(host Host) *Executor {
	return New(host, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func run(t *testing.T, e *Executor, s Script) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Run(ctx, s)
}

func TestRunSuccess(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{
		Filename: "ok.test.js",
		Source:   "const x = 1 + 1; if (x !== 2) throw new Error('math');",
	})
	require.NoError(t, err)
}

func TestRunThrowIsTestFailure(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{
		Filename: "fail.test.js",
		Source:   "throw new Error('login button missing');",
	})
	var te *TestError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "login button missing", te.Message)
	assert.Contains(t, te.Stack, "fail.test.js")
}

func TestRunAwaitsRejectedPromise(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{
		Source: `
await new Promise((resolve) => setTimeout(resolve, 10));
await Promise.reject(new Error('late failure'));
`,
	})
	var te *TestError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "late failure", te.Message)
}

func TestRunSyntaxError(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{Source: "const = ;"})
	require.Error(t, err)
	var te *TestError
	assert.False(t, errors.As(err, &te), "syntax errors are not test failures")
}

func TestRequireServedFromDependencies(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{
		Source: `
const helper = require('./lib/helper.js');
if (helper.double(21) !== 42) throw new Error('helper');
`,
		Dependencies: map[string]string{
			"./lib/helper.js": "const base = require('./base'); module.exports = { double: (n) => base.two * n };",
			"lib/base.js":     "module.exports = { two: 2 };",
		},
	})
	require.NoError(t, err)
}

func TestRequireUnknownModuleFails(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{Source: "require('fs');"})
	var te *TestError
	require.ErrorAs(t, err, &te)
}

func TestParametersInjected(t *testing.T) {
	err := run(t, quietExecutor(nil), Script{
		Source: `
if (parameters.baseUrl !== 'http://localhost:8080') throw new Error('param: ' + parameters.baseUrl);
if (envParameters.region !== 'eu') throw new Error('env');
`,
		Parameters:    map[string]any{"baseUrl": "http://localhost:8080"},
		EnvParameters: map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
}

func TestGlobalsDoNotLeakBetweenRuns(t *testing.T) {
	e := quietExecutor(nil)
	require.NoError(t, run(t, e, Script{Source: "globalThis.leaked = 1;"}))
	require.NoError(t, run(t, e, Script{Source: "if (typeof globalThis.leaked !== 'undefined') throw new Error('leak');"}))
}

func TestHarnessFileCalls(t *testing.T) {
	host := &fakeHost{}
	err := run(t, quietExecutor(host), Script{
		Source: `
const p = await harness.requestFile({ type: 'screenshot', ext: 'png', uniqPolicy: 'worker', workerId: 'w1' });
if (p !== '/artifacts/screenshot/w1/f.png') throw new Error('path ' + p);
await harness.releaseFile(p);
`,
	})
	require.NoError(t, err)

	require.Len(t, host.requests, 1)
	assert.Equal(t, arbiter.UniqWorker, host.requests[0].UniqPolicy)
	assert.Equal(t, []string{"/artifacts/screenshot/w1/f.png"}, host.released)
}

func TestHarnessErrorRejects(t *testing.T) {
	host := &fakeHost{err: errors.New("arbiter unavailable")}
	err := run(t, quietExecutor(host), Script{
		Source: "await harness.requestFile({ type: 'x' });",
	})
	var te *TestError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Message, "arbiter unavailable")
}

func TestCancellationInterruptsBusyLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := quietExecutor(nil).Run(ctx, Script{Source: "for (;;) {}"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConsoleRoutedToLogger(t *testing.T) {
	var buf bytes.Buffer
	e := New(nil, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	err := run(t, e, Script{
		Filename: "log.test.js",
		Source:   "console.log('visiting', 3, { page: 'home' }); console.error('bad');",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `visiting 3 {\"page\":\"home\"}`)
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "test=log.test.js")
}
