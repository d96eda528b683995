package container

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n int64 }

func countingFactory(calls *atomic.Int64) FactoryFunc {
	return func(context.Context, Resolver) (any, error) {
		return &counter{n: calls.Add(1)}, nil
	}
}

func TestScopes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		scope     Scope
		wantSame  bool
		wantCalls int64
	}{
		{"singleton", Singleton, true, 1},
		{"transient", Transient, false, 2},
		{"request", Request, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			c := New()
			c.BindFactory("svc", tt.scope, countingFactory(&calls))

			first, err := c.Get(ctx, "svc")
			require.NoError(t, err)
			second, err := c.Get(ctx, "svc")
			require.NoError(t, err)

			assert.Equal(t, tt.wantSame, first == second)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestRequestScopeSharedWithinOneResolution(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64

	c := New()
	c.BindFactory("dep", Request, countingFactory(&calls))
	c.BindFactory("pair", Transient, func(ctx context.Context, r Resolver) (any, error) {
		a, err := r.Get(ctx, "dep")
		if err != nil {
			return nil, err
		}
		b, err := r.Get(ctx, "dep")
		if err != nil {
			return nil, err
		}
		return [2]any{a, b}, nil
	})

	pair, err := Get[[2]any](ctx, c, "pair")
	require.NoError(t, err)
	assert.Same(t, pair[0], pair[1])
	assert.EqualValues(t, 1, calls.Load())
}

func TestChildInheritsAndShadows(t *testing.T) {
	ctx := context.Background()
	root := New()
	root.BindValue("shared", "root")
	root.BindValue("id", "root-id")

	child := root.CreateChild()
	child.BindValue("id", "child-id")

	assert.Equal(t, "root", MustGet[string](ctx, child, "shared"))
	assert.Equal(t, "child-id", MustGet[string](ctx, child, "id"))
	assert.Equal(t, "root-id", MustGet[string](ctx, root, "id"))
	assert.True(t, child.IsBound("shared"))
	assert.False(t, root.IsBound("missing"))
	assert.Equal(t, []Key{"id"}, child.Keys())
}

func TestFactoryResolvesFromRequestingChild(t *testing.T) {
	ctx := context.Background()
	root := New()
	root.BindFactory("greeting", Transient, func(ctx context.Context, r Resolver) (any, error) {
		id, err := Get[string](ctx, r, "id")
		if err != nil {
			return nil, err
		}
		return "hello " + id, nil
	})

	child := root.CreateChild()
	child.BindValue("id", "node-1")

	got, err := Get[string](ctx, child, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello node-1", got)

	_, err = root.Get(ctx, "greeting")
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotBound)

	c.BindFactory("loop", Transient, func(ctx context.Context, r Resolver) (any, error) {
		return r.Get(ctx, "loop")
	})
	_, err = c.Get(ctx, "loop")
	assert.ErrorIs(t, err, ErrCircular)

	c.BindValue("n", 1)
	_, err = Get[string](ctx, c, "n")
	assert.ErrorContains(t, err, "want string")

	boom := errors.New("boom")
	c.BindFactory("broken", Singleton, func(context.Context, Resolver) (any, error) { return nil, boom })
	_, err = c.Get(ctx, "broken")
	assert.ErrorIs(t, err, boom)
}

func TestSingletonConcurrentResolution(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New()
	c.BindFactory("svc", Singleton, func(context.Context, Resolver) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return &counter{n: calls.Add(1)}, nil
	})

	start := make(chan struct{})
	results := make([]any, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], _ = c.Get(ctx, "svc")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "singleton factory must run once")
	for _, r := range results {
		require.NotNil(t, r)
		assert.Same(t, results[0], r)
	}
}

func TestSingletonFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New()
	c.BindFactory("flaky", Singleton, func(context.Context, Resolver) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("not yet")
		}
		return &counter{}, nil
	})

	_, err := c.Get(ctx, "flaky")
	require.Error(t, err)

	first, err := c.Get(ctx, "flaky")
	require.NoError(t, err)
	second, err := c.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 2, calls.Load())
}

func TestProviders(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, Value("base", 20).Register(ctx, c))
	require.NoError(t, Class("cls", Transient, func(context.Context, Resolver) (any, error) {
		return &counter{}, nil
	}).Register(ctx, c))

	var runs int
	factory := Factory("sum", []Key{"base"}, func(_ context.Context, deps ...any) (any, error) {
		runs++
		return deps[0].(int) + 1, nil
	})
	require.NoError(t, factory.Register(ctx, c))

	assert.Equal(t, 21, MustGet[int](ctx, c, "sum"))
	assert.Equal(t, 21, MustGet[int](ctx, c, "sum"))
	assert.Equal(t, 1, runs, "factories run once at registration")

	a := MustGet[*counter](ctx, c, "cls")
	b := MustGet[*counter](ctx, c, "cls")
	assert.NotSame(t, a, b)

	err := Factory("bad", []Key{"missing"}, func(context.Context, ...any) (any, error) { return nil, nil }).Register(ctx, c)
	assert.ErrorIs(t, err, ErrNotBound)
	assert.Error(t, Provider{Key: "empty"}.Register(ctx, c))
	assert.Error(t, Value("", 1).Register(ctx, c))
}

func TestBindFactoryIfAbsent(t *testing.T) {
	ctx := context.Background()
	root := New()
	root.BindValue("taken", "root")

	child := root.CreateChild()
	assert.False(t, child.BindFactoryIfAbsent("taken", Singleton, func(context.Context, Resolver) (any, error) {
		return "child", nil
	}))
	assert.True(t, child.BindFactoryIfAbsent("fresh", Singleton, func(context.Context, Resolver) (any, error) {
		return "first", nil
	}))
	assert.False(t, child.BindFactoryIfAbsent("fresh", Singleton, func(context.Context, Resolver) (any, error) {
		return "second", nil
	}))

	assert.Equal(t, "root", MustGet[string](ctx, child, "taken"))
	assert.Equal(t, "first", MustGet[string](ctx, child, "fresh"))
	assert.True(t, child.Unbind("fresh"))
	assert.False(t, child.Unbind("fresh"))
}

func TestParseScope(t *testing.T) {
	for name, want := range map[string]Scope{"": Singleton, "singleton": Singleton, "transient": Transient, "request": Request} {
		got, err := ParseScope(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if name != "" {
			assert.Equal(t, name, got.String())
		}
	}
	_, err := ParseScope("forever")
	assert.Error(t, err)
}
