package ixmp

import (
	"context"
	"testing"
)

func memPlatform(t *testing.T) *Platform {
	t.Helper()
	p, err := NewPlatform("memory", nil)
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewPlatformWrapsCache(t *testing.T) {
	p := memPlatform(t)
	if _, ok := p.Backend().(*CachedBackend); !ok {
		t.Fatal("caching should be on by default")
	}

	bare, err := NewPlatform("memory", map[string]interface{}{"cache": false})
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	defer bare.Close()
	if _, ok := bare.Backend().(*CachedBackend); ok {
		t.Fatal("cache kwarg false must leave the engine unwrapped")
	}
}

func TestNewPlatformRejectsBadKwargs(t *testing.T) {
	if _, err := NewPlatform("memory", map[string]interface{}{"bogus": 1}); !IsValidation(err) {
		t.Fatalf("unknown kwarg: err = %v, want validation error", err)
	}
	if _, err := NewPlatform("memory", map[string]interface{}{"cache": "yes"}); !IsValidation(err) {
		t.Fatalf("non-bool cache: err = %v, want validation error", err)
	}
	if _, err := NewPlatform("no-such-engine", nil); !IsValidation(err) {
		t.Fatalf("unknown engine: err = %v, want validation error", err)
	}
}

func TestPlatformClose(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)

	if err := p.AddUnit(ctx, "GWa", ""); err != nil {
		t.Fatalf("AddUnit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// closing twice is a no-op
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := p.Units(ctx); !IsDetached(err) {
		t.Fatalf("Units after close: err = %v, want detached", err)
	}
	if err := p.AddUnit(ctx, "USD", ""); !IsDetached(err) {
		t.Fatalf("AddUnit after close: err = %v, want detached", err)
	}
}

func TestPlatformRegistryDelegation(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)

	if err := p.AddModelName(ctx, "MESSAGE"); err != nil {
		t.Fatalf("AddModelName: %v", err)
	}
	models, err := p.ModelNames(ctx)
	if err != nil || len(models) != 1 {
		t.Fatalf("ModelNames = (%v, %v)", models, err)
	}

	if err := p.AddRegion(ctx, "World", "common", ""); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	regions, err := p.Regions(ctx)
	if err != nil || len(regions) != 1 {
		t.Fatalf("Regions = (%v, %v)", regions, err)
	}

	access, err := p.CheckAccess(ctx, "anyone", []string{"MESSAGE"}, "edit")
	if err != nil || !access["MESSAGE"] {
		t.Fatalf("CheckAccess = (%v, %v)", access, err)
	}
}

func TestPlatformMeta(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)

	if err := p.SetMeta(ctx, "MESSAGE", "", VersionDefault, map[string]interface{}{"team": "energy"}); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	got, err := p.GetMeta(ctx, "MESSAGE", "", VersionDefault)
	if err != nil || got["team"] != "energy" {
		t.Fatalf("GetMeta = (%v, %v)", got, err)
	}
	if err := p.RemoveMeta(ctx, "MESSAGE", "", VersionDefault, []string{"team"}); err != nil {
		t.Fatalf("RemoveMeta: %v", err)
	}
}

func TestPlatformOptions(t *testing.T) {
	logger := NewStdLogger("test")
	metrics := NewInMemoryMetrics()
	p, err := NewPlatform("memory", nil,
		WithName("prod"),
		WithLogger(logger),
		WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	defer p.Close()

	if p.Name() != "prod" {
		t.Fatalf("Name = %q, want prod", p.Name())
	}
	if p.Logger() != Logger(logger) {
		t.Fatal("WithLogger was not applied")
	}
}
