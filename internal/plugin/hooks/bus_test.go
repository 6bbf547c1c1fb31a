package hooks

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/goatkit/walletplug/pkg/plugin"
)

type stubProfile struct{ id string }

func (p stubProfile) ID() string               { return p.id }
func (p stubProfile) Name() string             { return p.id }
func (p stubProfile) Wallets() []plugin.Wallet { return nil }
func (p stubProfile) ExchangeCurrency() string { return "USD" }
func (p stubProfile) Locale() string           { return "en" }

func TestCommands(t *testing.T) {
	t.Run("register and execute", func(t *testing.T) {
		b := New()
		err := b.RegisterCommand("greet", func(args ...any) (any, error) {
			return "hello " + args[0].(string), nil
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if !b.HasCommand("greet") {
			t.Fatal("expected greet to be registered")
		}
		got, err := b.ExecuteCommand("greet", "bob")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if got != "hello bob" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("duplicate keeps first handler", func(t *testing.T) {
		b := New()
		first := func(args ...any) (any, error) { return 1, nil }
		second := func(args ...any) (any, error) { return 2, nil }
		if err := b.RegisterCommand("x", first); err != nil {
			t.Fatal(err)
		}
		err := b.RegisterCommand("x", second)
		if !errors.Is(err, plugin.ErrDuplicateCommand) {
			t.Fatalf("expected ErrDuplicateCommand, got %v", err)
		}
		got, _ := b.ExecuteCommand("x")
		if got != 1 {
			t.Errorf("expected first handler to remain, got %v", got)
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		b := New()
		err := b.RegisterCommand("x", nil)
		if !errors.Is(err, plugin.ErrInvalidHandler) {
			t.Fatalf("expected ErrInvalidHandler, got %v", err)
		}
		if b.HasCommand("x") {
			t.Error("nil handler must not be stored")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		b := New()
		_, err := b.ExecuteCommand("missing")
		if !errors.Is(err, plugin.ErrUnknownCommand) {
			t.Fatalf("expected ErrUnknownCommand, got %v", err)
		}
	})

	t.Run("pending result is returned without waiting", func(t *testing.T) {
		b := New()
		pending := make(chan string)
		_ = b.RegisterCommand("async", func(args ...any) (any, error) {
			return pending, nil
		})
		got, err := b.ExecuteCommand("async")
		if err != nil {
			t.Fatal(err)
		}
		if got.(chan string) != pending {
			t.Error("expected the handler's channel back")
		}
	})

	t.Run("handler error passes through", func(t *testing.T) {
		b := New()
		boom := errors.New("boom")
		_ = b.RegisterCommand("fail", func(args ...any) (any, error) { return nil, boom })
		if _, err := b.ExecuteCommand("fail"); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	})

	t.Run("panic becomes error", func(t *testing.T) {
		b := New()
		_ = b.RegisterCommand("panic", func(args ...any) (any, error) { panic("oops") })
		if _, err := b.ExecuteCommand("panic"); err == nil {
			t.Error("expected error from panicking handler")
		}
	})
}

func TestFilters(t *testing.T) {
	t.Run("fold in registration order", func(t *testing.T) {
		b := New()
		_ = b.AddFilter("ns", "title", func(c, _ any) any { return c.(string) + "a" })
		_ = b.AddFilter("ns", "title", func(c, _ any) any { return c.(string) + "b" })
		_ = b.AddFilter("ns", "title", func(c, _ any) any { return c.(string) + "c" })

		if got := b.ApplyFilter("ns", "title", "x", nil); got != "xabc" {
			t.Errorf("got %v, want xabc", got)
		}
	})

	t.Run("handlers receive context", func(t *testing.T) {
		b := New()
		var seen any
		_ = b.AddFilter("ns", "h", func(c, ctx any) any { seen = ctx; return c })
		b.ApplyFilter("ns", "h", 1, map[string]any{"k": "v"})
		if !reflect.DeepEqual(seen, map[string]any{"k": "v"}) {
			t.Errorf("context not forwarded: %v", seen)
		}
	})

	t.Run("no handlers returns nil", func(t *testing.T) {
		b := New()
		if b.HasFilter("ns", "none") {
			t.Fatal("expected no filter")
		}
		if got := b.ApplyFilter("ns", "none", "content", nil); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})

	t.Run("handlers folding to nil also return nil", func(t *testing.T) {
		b := New()
		_ = b.AddFilter("ns", "drop", func(c, _ any) any { return nil })
		if !b.HasFilter("ns", "drop") {
			t.Fatal("expected filter")
		}
		if got := b.ApplyFilter("ns", "drop", "content", nil); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})

	t.Run("namespaces are distinct", func(t *testing.T) {
		b := New()
		_ = b.AddFilter("a", "h", func(c, _ any) any { return "from-a" })
		if b.HasFilter("b", "h") {
			t.Error("filter leaked across namespaces")
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		b := New()
		if err := b.AddFilter("ns", "h", nil); !errors.Is(err, plugin.ErrInvalidHandler) {
			t.Fatalf("expected ErrInvalidHandler, got %v", err)
		}
		if b.HasFilter("ns", "h") {
			t.Error("nil handler must not be stored")
		}
	})
}

func TestClearAll(t *testing.T) {
	b := New()
	_ = b.RegisterCommand("c", func(args ...any) (any, error) { return nil, nil })
	_ = b.AddFilter("ns", "h", func(c, _ any) any { return c })

	b.ClearAll()

	if b.HasCommand("c") || b.HasFilter("ns", "h") {
		t.Fatal("expected bus to be empty")
	}
	if len(b.Commands()) != 0 || len(b.Filters()) != 0 {
		t.Error("listings should be empty")
	}
	// Re-registering after a clear must not report a duplicate.
	if err := b.RegisterCommand("c", func(args ...any) (any, error) { return nil, nil }); err != nil {
		t.Errorf("re-register after clear: %v", err)
	}
}

func TestListings(t *testing.T) {
	b := New()
	_ = b.RegisterCommand("zeta", func(args ...any) (any, error) { return nil, nil })
	_ = b.RegisterCommand("alpha", func(args ...any) (any, error) { return nil, nil })
	_ = b.AddFilter("wallet", "balance", func(c, _ any) any { return c })
	_ = b.AddFilter("app", "title", func(c, _ any) any { return c })

	if got := b.Commands(); !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("Commands() = %v", got)
	}
	if got := b.Filters(); !reflect.DeepEqual(got, []string{"app:title", "wallet:balance"}) {
		t.Errorf("Filters() = %v", got)
	}
}

func TestProfileChannel(t *testing.T) {
	t.Run("broadcast and dispose", func(t *testing.T) {
		b := New()
		var got []string
		dispose := b.OnProfileChange(func(p plugin.Profile) {
			if p == nil {
				got = append(got, "<nil>")
				return
			}
			got = append(got, p.ID())
		})

		b.SetProfile(stubProfile{"alice"})
		b.FlushProfile()
		dispose()
		dispose()
		b.SetProfile(stubProfile{"bob"})

		if !reflect.DeepEqual(got, []string{"alice", "<nil>"}) {
			t.Errorf("got %v", got)
		}
		if b.Profile().ID() != "bob" {
			t.Errorf("expected current profile bob, got %v", b.Profile())
		}
	})

	t.Run("subscription order", func(t *testing.T) {
		b := New()
		var order []int
		for i := 0; i < 3; i++ {
			i := i
			b.OnProfileChange(func(plugin.Profile) { order = append(order, i) })
		}
		b.SetProfile(stubProfile{"x"})
		if !reflect.DeepEqual(order, []int{0, 1, 2}) {
			t.Errorf("got %v", order)
		}
	})

	t.Run("observer may subscribe during broadcast", func(t *testing.T) {
		b := New()
		b.OnProfileChange(func(plugin.Profile) {
			b.OnProfileChange(func(plugin.Profile) {})
		})
		b.SetProfile(stubProfile{"x"})
	})
}

func TestConcurrentAccess(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = b.AddFilter("ns", "h", func(c, _ any) any { return c })
		}()
		go func() {
			defer wg.Done()
			b.ApplyFilter("ns", "h", 1, nil)
			b.HasCommand("x")
		}()
	}
	wg.Wait()
	if len(b.Filters()) != 1 {
		t.Errorf("expected one hook, got %v", b.Filters())
	}
}
