package wasm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goatkit/walletplug/internal/plugin/hooks"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// Hand-assembled guests.
var (
	// Registers command "ping" in wp_run; wp_command answers {"value":"pong"}.
	commandGuest = []byte("\x00\x61\x73\x6d\x01\x00\x00\x00\x01\x12\x03\x60\x01\x7f\x01\x7f\x60\x02\x7f\x7f\x01\x7e\x60\x02\x7f\x7f\x01\x7f\x02\x1f\x01\x0a\x77\x61\x6c\x6c\x65\x74\x70\x6c\x75\x67\x10\x72\x65\x67\x69\x73\x74\x65\x72\x5f\x63\x6f\x6d\x6d\x61\x6e\x64\x00\x02\x03\x04\x03\x00\x01\x01\x05\x03\x01\x00\x01\x07\x2c\x04\x06\x6d\x65\x6d\x6f\x72\x79\x02\x00\x09\x77\x70\x5f\x6d\x61\x6c\x6c\x6f\x63\x00\x01\x06\x77\x70\x5f\x72\x75\x6e\x00\x02\x0a\x77\x70\x5f\x63\x6f\x6d\x6d\x61\x6e\x64\x00\x03\x0a\x1d\x03\x05\x00\x41\x80\x08\x0b\x0b\x00\x41\x10\x41\x04\x10\x00\x1a\x42\x00\x0b\x09\x00\x42\x90\x80\x80\x80\x80\x04\x0b\x0b\x1f\x02\x00\x41\x10\x0b\x04\x70\x69\x6e\x67\x00\x41\x20\x0b\x10\x7b\x22\x76\x61\x6c\x75\x65\x22\x3a\x22\x70\x6f\x6e\x67\x22\x7d")

	// Imports walletplug_http.get.
	httpGuest = []byte("\x00\x61\x73\x6d\x01\x00\x00\x00\x01\x12\x03\x60\x01\x7f\x01\x7f\x60\x02\x7f\x7f\x01\x7e\x60\x02\x7f\x7f\x01\x7f\x02\x17\x01\x0f\x77\x61\x6c\x6c\x65\x74\x70\x6c\x75\x67\x5f\x68\x74\x74\x70\x03\x67\x65\x74\x00\x01\x03\x03\x02\x00\x01\x05\x03\x01\x00\x01\x07\x1f\x03\x06\x6d\x65\x6d\x6f\x72\x79\x02\x00\x09\x77\x70\x5f\x6d\x61\x6c\x6c\x6f\x63\x00\x01\x06\x77\x70\x5f\x72\x75\x6e\x00\x02\x0a\x0c\x02\x05\x00\x41\x80\x08\x0b\x04\x00\x42\x00\x0b")

	// wp_run returns {"error":"no quotes"}.
	failingGuest = []byte("\x00\x61\x73\x6d\x01\x00\x00\x00\x01\x12\x03\x60\x01\x7f\x01\x7f\x60\x02\x7f\x7f\x01\x7e\x60\x02\x7f\x7f\x01\x7f\x03\x03\x02\x00\x01\x05\x03\x01\x00\x01\x07\x1f\x03\x06\x6d\x65\x6d\x6f\x72\x79\x02\x00\x09\x77\x70\x5f\x6d\x61\x6c\x6c\x6f\x63\x00\x00\x06\x77\x70\x5f\x72\x75\x6e\x00\x01\x0a\x11\x02\x05\x00\x41\x80\x08\x0b\x09\x00\x42\x95\x80\x80\x80\x80\x08\x0b\x0b\x1c\x01\x00\x41\xc0\x00\x0b\x15\x7b\x22\x65\x72\x72\x6f\x72\x22\x3a\x22\x6e\x6f\x20\x71\x75\x6f\x74\x65\x73\x22\x7d")
)

type stubProfile struct{ id string }

func (p stubProfile) ID() string                  { return p.id }
func (p stubProfile) Name() string                { return p.id }
func (p stubProfile) Wallets() []pkgplugin.Wallet { return nil }
func (p stubProfile) ExchangeCurrency() string    { return "USD" }
func (p stubProfile) Locale() string              { return "en-US" }

func TestLoadRejectsInvalidModules(t *testing.T) {
	ctx := context.Background()

	if _, err := Load(ctx, "garbage", []byte("not wasm")); err == nil {
		t.Error("expected compile error for garbage")
	}

	_, err := Load(ctx, "empty", []byte("\x00asm\x01\x00\x00\x00"))
	if err == nil || !strings.Contains(err.Error(), "missing export") {
		t.Errorf("expected missing export error, got %v", err)
	}
}

func TestRunRegistersGuestCommands(t *testing.T) {
	ctx := context.Background()
	mod, err := Load(ctx, "pinger", commandGuest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer mod.Close(ctx)

	bus := hooks.New()
	if err := mod.Entry()(ctx, pkgplugin.NewSandbox(bus, nil)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !bus.HasCommand("ping") {
		t.Fatal("expected guest to register ping")
	}

	got, err := bus.ExecuteCommand("ping", "a", 1)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if got != "pong" {
		t.Errorf("expected pong, got %v", got)
	}
	if mod.Instances() != 1 {
		t.Errorf("expected 1 live instance, got %d", mod.Instances())
	}

	// A nil profile broadcast releases the instance.
	bus.ClearAll()
	bus.SetProfile(stubProfile{id: "alice"})
	bus.FlushProfile()
	deadline := time.Now().Add(2 * time.Second)
	for mod.Instances() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mod.Instances() != 0 {
		t.Errorf("expected instance to be closed after flush, got %d", mod.Instances())
	}
}

func TestRerunReplacesInstance(t *testing.T) {
	ctx := context.Background()
	mod, err := Load(ctx, "pinger", commandGuest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer mod.Close(ctx)

	bus := hooks.New()
	for i := 0; i < 3; i++ {
		if err := mod.Entry()(ctx, pkgplugin.NewSandbox(bus, nil)); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if mod.Instances() != 1 {
		t.Errorf("expected 1 live instance after re-runs, got %d", mod.Instances())
	}
	got, err := bus.ExecuteCommand("ping")
	if err != nil || got != "pong" {
		t.Errorf("expected pong from the current instance, got %v, %v", got, err)
	}

	// A second bus gets its own instance.
	other := hooks.New()
	if err := mod.Entry()(ctx, pkgplugin.NewSandbox(other, nil)); err != nil {
		t.Fatalf("run on second bus: %v", err)
	}
	if mod.Instances() != 2 {
		t.Errorf("expected 2 live instances, got %d", mod.Instances())
	}
}

func TestUngrantedCapabilityImportFails(t *testing.T) {
	ctx := context.Background()
	mod, err := Load(ctx, "fetcher", httpGuest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer mod.Close(ctx)

	err = mod.Entry()(ctx, pkgplugin.NewSandbox(hooks.New(), nil))
	if err == nil {
		t.Fatal("expected instantiation to fail without the HTTP grant")
	}
	if mod.Instances() != 0 {
		t.Errorf("failed instantiation left %d instances", mod.Instances())
	}
}

func TestRunReportsGuestError(t *testing.T) {
	ctx := context.Background()
	mod, err := Load(ctx, "failing", failingGuest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer mod.Close(ctx)

	err = mod.Entry()(ctx, pkgplugin.NewSandbox(hooks.New(), nil))
	if err == nil || !strings.Contains(err.Error(), "no quotes") {
		t.Fatalf("expected guest error, got %v", err)
	}
	if mod.Instances() != 0 {
		t.Errorf("expected failed run to release its instance, got %d", mod.Instances())
	}
}

func TestHostCallWithNilHost(t *testing.T) {
	inst := &instance{host: nil}

	result := inst.hostCall(context.Background(), nil, "http.get", nil)
	if result != 0 {
		t.Errorf("expected 0 for nil host, got %d", result)
	}
}

func TestHostLogWithNilHost(t *testing.T) {
	inst := &instance{host: nil}

	// Should not panic
	inst.hostLog(context.Background(), nil, 1, 0, 0)
}

func TestReadBytesWithNilModule(t *testing.T) {
	bytes, ok := readBytes(nil, 100, 10)
	if ok {
		t.Error("expected ok=false for nil module")
	}
	if bytes != nil {
		t.Error("expected nil bytes for nil module")
	}

	s, ok := readString(nil, 100, 10)
	if ok || s != "" {
		t.Error("expected empty string for nil module")
	}
}

func TestWriteBytesEmpty(t *testing.T) {
	inst := &instance{}

	ptr, length, err := inst.writeBytes(context.Background(), nil, nil)
	if err != nil || ptr != 0 || length != 0 {
		t.Errorf("expected zero write for empty data, got %d/%d/%v", ptr, length, err)
	}
}

func TestFreeWithNilModule(t *testing.T) {
	inst := &instance{}

	// Should not panic
	inst.free(context.Background(), 0, 0)
	inst.free(context.Background(), 100, 4)
}

func TestPackRoundTrip(t *testing.T) {
	ptr, length := unpack(pack(1024, 17))
	if ptr != 1024 || length != 17 {
		t.Errorf("unpack(pack(1024, 17)) = %d, %d", ptr, length)
	}
}

func TestWithMemoryLimit(t *testing.T) {
	opts := defaultLoadOptions()
	WithMemoryLimit(512)(&opts)

	if opts.memoryLimitPages != 512 {
		t.Errorf("expected memoryLimitPages 512, got %d", opts.memoryLimitPages)
	}
}

func TestWithCallTimeout(t *testing.T) {
	opts := defaultLoadOptions()
	WithCallTimeout(60 * time.Second)(&opts)

	if opts.callTimeout != 60*time.Second {
		t.Errorf("expected callTimeout 60s, got %v", opts.callTimeout)
	}
}
