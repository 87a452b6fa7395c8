package hooks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUppercaseWriteThenRead(t *testing.T) {
	h := New[string]("TEST")

	h.WriteHook("A", func(_ context.Context, s string, _ ...any) (string, error) {
		return strings.ToUpper(s), nil
	})
	var seen string
	h.ReadHook("recorder", func(_ context.Context, s string, _ ...any) error {
		seen = s
		return nil
	})

	got, err := h.Call(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", got)
	assert.Equal(t, "ABC", seen)
}

func TestWriteChainOrderAndRestArgs(t *testing.T) {
	h := New[string]("TEST")
	h.WriteHook("first", func(_ context.Context, s string, rest ...any) (string, error) {
		return s + "-1" + rest[0].(string), nil
	})
	h.WriteHook("second", func(_ context.Context, s string, rest ...any) (string, error) {
		return s + "-2" + rest[0].(string), nil
	})

	got, err := h.Call(context.Background(), "x", "!")
	require.NoError(t, err)
	assert.Equal(t, "x-1!-2!", got)
}

func TestReregisterReplacesInPlace(t *testing.T) {
	h := New[int]("TEST")
	h.WriteHook("a", func(_ context.Context, n int, _ ...any) (int, error) { return n + 1, nil })
	h.WriteHook("b", func(_ context.Context, n int, _ ...any) (int, error) { return n * 10, nil })
	h.WriteHook("a", func(_ context.Context, n int, _ ...any) (int, error) { return n + 2, nil })

	got, err := h.Call(context.Background(), 1)
	require.NoError(t, err)
	// a(+2) still runs before b(*10).
	assert.Equal(t, 30, got)
	assert.Equal(t, []string{"a", "b"}, h.Plugins())
}

func TestWriteErrorAbortsChain(t *testing.T) {
	h := New[string]("ON_FILENAME")
	h.WriteHook("prefix", func(_ context.Context, s string, _ ...any) (string, error) {
		return "pre/" + s, nil
	})
	boom := errors.New("disk full")
	h.WriteHook("broken", func(context.Context, string, ...any) (string, error) {
		return "", boom
	})
	ran := false
	h.WriteHook("after", func(_ context.Context, s string, _ ...any) (string, error) {
		ran = true
		return s, nil
	})
	h.ReadHook("observer", func(context.Context, string, ...any) error {
		ran = true
		return nil
	})

	got, err := h.Call(context.Background(), "file")
	require.Error(t, err)
	assert.False(t, ran)
	assert.Equal(t, "pre/file", got, "earlier transformations are kept")

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "broken", herr.Plugin)
	assert.Equal(t, "ON_FILENAME", herr.Hook)
	assert.NotEmpty(t, herr.Stack)
	assert.True(t, errors.Is(err, boom))
}

func TestPanicIsReported(t *testing.T) {
	h := New[string]("ON_RELEASE")
	h.ReadHook("collector", func(context.Context, string, ...any) error {
		panic("nil map")
	})

	_, err := h.Call(context.Background(), "/tmp/a.png")
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "collector", herr.Plugin)
	assert.Contains(t, herr.Err.Error(), "nil map")
	assert.Contains(t, string(herr.Stack), "hooks")
}

func TestIndependentCallsUnaffected(t *testing.T) {
	h := New[string]("TEST")
	h.WriteHook("picky", func(_ context.Context, s string, _ ...any) (string, error) {
		if s == "bad" {
			return "", errors.New("rejected")
		}
		return s + "!", nil
	})

	var wg sync.WaitGroup
	results := make([]string, 20)
	errs := make([]error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := "ok"
			if i%2 == 0 {
				in = "bad"
			}
			results[i], errs[i] = h.Call(context.Background(), in)
		}()
	}
	wg.Wait()

	for i := range 20 {
		if i%2 == 0 {
			assert.Error(t, errs[i])
		} else {
			assert.NoError(t, errs[i])
			assert.Equal(t, "ok!", results[i])
		}
	}
}

func TestReadHooksRunConcurrently(t *testing.T) {
	h := New[string]("TEST")
	var wg sync.WaitGroup
	wg.Add(2)
	block := func(context.Context, string, ...any) error {
		// Each reader waits for the other; sequential execution would deadlock.
		wg.Done()
		wg.Wait()
		return nil
	}
	h.ReadHook("r1", block)
	h.ReadHook("r2", block)

	_, err := h.Call(context.Background(), "v")
	require.NoError(t, err)
}

func TestRemove(t *testing.T) {
	h := New[string]("TEST")
	h.WriteHook("a", func(_ context.Context, s string, _ ...any) (string, error) { return s + "a", nil })
	h.ReadHook("a", func(context.Context, string, ...any) error { return errors.New("should not run") })
	h.Remove("a")

	got, err := h.Call(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
	assert.Empty(t, h.Plugins())
}

func TestPluggable(t *testing.T) {
	p := NewPluggable[string](OnFilename, OnRelease)
	assert.Equal(t, []string{OnFilename, OnRelease}, p.Events())
	assert.NotNil(t, p.Hook(OnFilename))
	assert.Nil(t, p.Hook("ON_SPAWN"))
	assert.Panics(t, func() { p.MustHook("ON_SPAWN") })
	assert.Equal(t, OnRelease, p.MustHook(OnRelease).Name())
}
