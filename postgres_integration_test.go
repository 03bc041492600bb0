package ixmp

import (
	"context"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres engine integration test.
//
// Run with: go test -run TestIntegration_PostgresBackend -v
//
// Two modes:
// 1. Manual: set TEST_POSTGRES_DSN to an existing database
// 2. Testcontainers: auto-starts postgres via Docker (zero setup)
func TestIntegration_PostgresBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("ixmp_test"),
			tcpostgres.WithUsername("ixmp"),
			tcpostgres.WithPassword("ixmp"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("docker unavailable, skipping: %v", err)
		}
		t.Cleanup(func() { testcontainers.TerminateContainer(container) })
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	newBackend := func(t *testing.T) Backend {
		t.Helper()
		b, err := NewPostgresBackend(ctx, map[string]interface{}{
			"dsn":  dsn,
			"user": "tester",
		})
		if err != nil {
			t.Fatalf("NewPostgresBackend: %v", err)
		}
		return b
	}

	t.Run("registries", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()

		if err := b.AddUnit(ctx, "GWa", "gigawatt-years"); err != nil {
			t.Fatalf("AddUnit: %v", err)
		}
		units, err := b.Units(ctx)
		if err != nil {
			t.Fatalf("Units: %v", err)
		}
		found := false
		for _, u := range units {
			if u == "GWa" {
				found = true
			}
		}
		if !found {
			t.Fatalf("Units = %v, want GWa present", units)
		}

		if err := b.AddRegion(ctx, "World", "common", ""); err != nil {
			t.Fatalf("AddRegion: %v", err)
		}
		if err := b.AddRegionSynonym(ctx, "Earth", "World"); err != nil {
			t.Fatalf("AddRegionSynonym: %v", err)
		}
	})

	t.Run("session lifecycle", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()

		s := NewSession("pgmodel", "baseline", VersionNew)
		if err := b.Init(ctx, s, "integration run"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := b.SetData(ctx, s, "World", "GDP", "USD", "Year", map[int]float64{2020: 1.5}, false); err != nil {
			t.Fatalf("SetData on new run: %v", err)
		}
		if err := b.Commit(ctx, s, "first commit"); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if s.Version != 1 {
			t.Fatalf("committed version = %d, want 1", s.Version)
		}
		if err := b.SetAsDefault(ctx, s); err != nil {
			t.Fatalf("SetAsDefault: %v", err)
		}

		got := NewSession("pgmodel", "baseline", VersionDefault)
		if err := b.Get(ctx, got); err != nil {
			t.Fatalf("Get default: %v", err)
		}
		if got.Version != 1 {
			t.Fatalf("default resolved to version %d, want 1", got.Version)
		}
		rows, err := b.GetData(ctx, got, nil, nil, nil, nil)
		if err != nil || len(rows) != 1 || rows[0].Value != 1.5 {
			t.Fatalf("GetData = (%v, %v)", rows, err)
		}

		if _, err := b.LastUpdate(ctx, s); err != nil {
			t.Fatalf("LastUpdate: %v", err)
		}
	})

	t.Run("cross process checkout", func(t *testing.T) {
		// two backend instances on the same database behave like two
		// processes; row-level lock arbitration must hold between them
		b1 := newBackend(t)
		defer b1.Close()
		b2 := newBackend(t)
		defer b2.Close()

		s1 := NewSession("pgmodel", "locking", VersionNew)
		if err := b1.Init(ctx, s1, "run"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := b1.Commit(ctx, s1, "committed"); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		s2 := NewSession("pgmodel", "locking", 1)
		if err := b2.Get(ctx, s2); err != nil {
			t.Fatalf("Get from second instance: %v", err)
		}

		if err := b1.CheckOut(ctx, s1); err != nil {
			t.Fatalf("CheckOut: %v", err)
		}
		if err := b2.CheckOut(ctx, s2); !IsPrecondition(err) {
			t.Fatalf("second instance checkout: err = %v, want precondition", err)
		}
		if err := b1.DiscardChanges(ctx, s1); err != nil {
			t.Fatalf("DiscardChanges: %v", err)
		}
		if err := b2.CheckOut(ctx, s2); err != nil {
			t.Fatalf("checkout after discard: %v", err)
		}
		if err := b2.DiscardChanges(ctx, s2); err != nil {
			t.Fatalf("DiscardChanges: %v", err)
		}
	})

	t.Run("items", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		if err := b.AddUnit(ctx, "USD", ""); err != nil {
			t.Fatalf("AddUnit: %v", err)
		}

		s := NewSession("pgmodel", "items", VersionNew)
		if err := b.Init(ctx, s, "run"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := b.InitItem(ctx, s, Set, "node", nil, nil); err != nil {
			t.Fatalf("InitItem: %v", err)
		}
		if err := b.ItemSetElements(ctx, s, Set, "node", []Element{{Key: []string{"World"}}}); err != nil {
			t.Fatalf("ItemSetElements: %v", err)
		}
		if err := b.InitItem(ctx, s, Par, "cost", []string{"node"}, nil); err != nil {
			t.Fatalf("InitItem par: %v", err)
		}
		if err := b.ItemSetElements(ctx, s, Par, "cost", []Element{
			{Key: []string{"World"}, Value: fptr(42), Unit: sptr("USD")},
		}); err != nil {
			t.Fatalf("ItemSetElements par: %v", err)
		}
		// unit validation goes through the shared registry
		err := b.ItemSetElements(ctx, s, Par, "cost", []Element{
			{Key: []string{"World"}, Value: fptr(1), Unit: sptr("unregistered")},
		})
		if !IsNotFound(err) {
			t.Fatalf("unregistered unit: err = %v, want not-found", err)
		}
		if err := b.Commit(ctx, s, "with items"); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		data, err := b.ItemGetElements(ctx, s, Par, "cost", nil)
		if err != nil || data.Len() != 1 || data.Values[0] != 42 {
			t.Fatalf("ItemGetElements = (%+v, %v)", data, err)
		}
	})

	t.Run("clone within pool", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()

		s := NewSession("pgmodel", "cloneme", VersionNew)
		if err := b.Init(ctx, s, "run"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := b.Commit(ctx, s, "committed"); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		cloned, err := b.Clone(ctx, s, b, "pgmodel", "cloned", "copy", true, 0)
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}
		if cloned.Version != 1 {
			t.Fatalf("clone version = %d, want 1", cloned.Version)
		}
		if def, err := b.IsDefault(ctx, cloned); err != nil || !def {
			t.Fatalf("IsDefault = (%v, %v), want (true, nil)", def, err)
		}

		// bridging to a different engine is refused
		mem, err := NewMemoryBackend(nil)
		if err != nil {
			t.Fatalf("NewMemoryBackend: %v", err)
		}
		defer mem.Close()
		if _, err := b.Clone(ctx, s, mem, "pgmodel", "elsewhere", "copy", true, 0); !IsUnsupported(err) {
			t.Fatalf("cross-engine clone: err = %v, want unsupported", err)
		}
	})

	t.Run("meta", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()

		if err := b.SetMeta(ctx, "pgmodel", "", VersionDefault, map[string]interface{}{
			"curator": "tester", "year": 2026,
		}); err != nil {
			t.Fatalf("SetMeta: %v", err)
		}
		got, err := b.GetMeta(ctx, "pgmodel", "", VersionDefault)
		if err != nil {
			t.Fatalf("GetMeta: %v", err)
		}
		if got["curator"] != "tester" {
			t.Fatalf("meta = %v", got)
		}
		if err := b.RemoveMeta(ctx, "pgmodel", "", VersionDefault, []string{"curator", "year"}); err != nil {
			t.Fatalf("RemoveMeta: %v", err)
		}
	})
}
