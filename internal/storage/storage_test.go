package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dartsearch/internal/model"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	sqlite := NewSQLiteStore(filepath.Join(t.TempDir(), "dartsearch.db"))
	badgerDisk := NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	badgerMem := NewBadgerStore("")
	stores := map[string]Store{
		"memory":        NewMemoryStore(),
		"sqlite":        sqlite,
		"badger":        badgerDisk,
		"badger-memory": badgerMem,
	}
	for name, store := range stores {
		if err := store.Init(ctx); err != nil {
			t.Fatalf("%s init: %v", name, err)
		}
	}
	t.Cleanup(func() {
		_ = sqlite.Close()
		_ = badgerDisk.Close()
		_ = badgerMem.Close()
	})
	return stores
}

func TestStoreCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		saver, err := NewCheckpointSaver(store, "run-1", "out")
		if err != nil {
			t.Fatalf("%s saver: %v", name, err)
		}
		tensors := []model.NamedTensor{{Name: "arch_0_normal", Values: []float64{0.1, 0.2}}}
		if err := saver.Save(ctx, "best", 3, tensors); err != nil {
			t.Fatalf("%s save: %v", name, err)
		}
		tensors[0].Values[0] = 9
		if err := saver.Save(ctx, "final", 5, tensors); err != nil {
			t.Fatalf("%s save: %v", name, err)
		}

		best, ok, err := saver.Load(ctx, "best")
		if err != nil {
			t.Fatalf("%s load: %v", name, err)
		}
		if !ok {
			t.Fatalf("%s: expected best checkpoint", name)
		}
		if best.Path != "out/best" || best.Epoch != 3 || best.ID == "" || best.Tensors[0].Values[0] != 0.1 {
			t.Fatalf("%s: unexpected checkpoint %+v", name, best)
		}

		list, err := store.ListCheckpoints(ctx, "run-1")
		if err != nil {
			t.Fatalf("%s list: %v", name, err)
		}
		if len(list) != 2 || list[0].Path != "out/best" || list[1].Path != "out/final" || list[0].Tensors != nil {
			t.Fatalf("%s: unexpected checkpoint list %+v", name, list)
		}

		if _, ok, err := store.GetCheckpoint(ctx, "run-2", "out/best"); err != nil || ok {
			t.Fatalf("%s: expected missing checkpoint, ok=%t err=%v", name, ok, err)
		}
	}
}

func TestStoreGenotypesOrderedByEpoch(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		for _, epoch := range []int{2, 0, 1} {
			g := model.Genotype{VersionedRecord: CurrentVersion(), RunID: "run-1", Epoch: epoch, Fingerprint: "fp"}
			if err := store.SaveGenotype(ctx, g); err != nil {
				t.Fatalf("%s save genotype: %v", name, err)
			}
		}
		genotypes, ok, err := store.GetGenotypes(ctx, "run-1")
		if err != nil || !ok {
			t.Fatalf("%s get genotypes: ok=%t err=%v", name, ok, err)
		}
		if len(genotypes) != 3 || genotypes[0].Epoch != 0 || genotypes[2].Epoch != 2 {
			t.Fatalf("%s: unexpected genotypes %+v", name, genotypes)
		}
		if _, ok, _ := store.GetGenotypes(ctx, "missing"); ok {
			t.Fatalf("%s: expected no genotypes", name)
		}
	}
}

func TestStoreHistoryAndSummary(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		history := []model.EpochRecord{
			{VersionedRecord: CurrentVersion(), Epoch: 0, ValidTop1: 0.4, BestValidTop1: 0.4},
			{VersionedRecord: CurrentVersion(), Epoch: 1, ValidTop1: 0.3, BestValidTop1: 0.4},
		}
		if err := store.SaveEpochHistory(ctx, "run-1", history); err != nil {
			t.Fatalf("%s save history: %v", name, err)
		}
		loaded, ok, err := store.GetEpochHistory(ctx, "run-1")
		if err != nil || !ok {
			t.Fatalf("%s get history: ok=%t err=%v", name, ok, err)
		}
		if len(loaded) != 2 || loaded[1].BestValidTop1 != 0.4 {
			t.Fatalf("%s: unexpected history %+v", name, loaded)
		}

		summary := model.RunSummary{VersionedRecord: CurrentVersion(), RunID: "run-1", Epochs: 2, BestValidTop1: 0.4}
		if err := store.SaveRunSummary(ctx, summary); err != nil {
			t.Fatalf("%s save summary: %v", name, err)
		}
		got, ok, err := store.GetRunSummary(ctx, "run-1")
		if err != nil || !ok || got.Epochs != 2 {
			t.Fatalf("%s: unexpected summary %+v ok=%t err=%v", name, got, ok, err)
		}

		if err := store.Reset(ctx); err != nil {
			t.Fatalf("%s reset: %v", name, err)
		}
		if _, ok, err := store.GetRunSummary(ctx, "run-1"); err != nil || ok {
			t.Fatalf("%s: expected empty store after reset, ok=%t err=%v", name, ok, err)
		}
	}
}

func TestSQLiteStoreRejectsVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "dartsearch.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	stale := model.RunSummary{VersionedRecord: model.VersionedRecord{SchemaVersion: 0, CodecVersion: 1}, RunID: "old"}
	if err := store.SaveRunSummary(ctx, stale); err != nil {
		t.Fatalf("save summary: %v", err)
	}
	if _, _, err := store.GetRunSummary(ctx, "old"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "dartsearch.db"))
	if _, _, err := store.GetRunSummary(context.Background(), "run"); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(DefaultStoreKind, "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewStore(KindSQLite, filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}

	store, err = NewStore(KindBadger, "")
	if err != nil {
		t.Fatalf("new badger store: %v", err)
	}
	if _, ok := store.(*BadgerStore); !ok {
		t.Fatalf("expected badger store, got %T", store)
	}

	if _, err := NewStore("unknown", ""); err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "badger")
	store := NewBadgerStore(dir)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	summary := model.RunSummary{VersionedRecord: CurrentVersion(), RunID: "run-1", Epochs: 3}
	if err := store.SaveRunSummary(ctx, summary); err != nil {
		t.Fatalf("save summary: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := store.GetRunSummary(ctx, "run-1"); err == nil {
		t.Fatal("expected closed store error")
	}

	reopened := NewBadgerStore(dir)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	got, ok, err := reopened.GetRunSummary(ctx, "run-1")
	if err != nil || !ok || got.Epochs != 3 {
		t.Fatalf("unexpected summary after reopen %+v ok=%t err=%v", got, ok, err)
	}
}

func TestBadgerStoreKeepsRunsApart(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerStore("")
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	for _, runID := range []string{"run-1", "run-10"} {
		g := model.Genotype{VersionedRecord: CurrentVersion(), RunID: runID, Epoch: 0}
		if err := store.SaveGenotype(ctx, g); err != nil {
			t.Fatalf("save genotype: %v", err)
		}
	}
	genotypes, ok, err := store.GetGenotypes(ctx, "run-1")
	if err != nil || !ok || len(genotypes) != 1 || genotypes[0].RunID != "run-1" {
		t.Fatalf("unexpected genotypes %+v ok=%t err=%v", genotypes, ok, err)
	}
	if err := store.SaveGenotype(ctx, model.Genotype{VersionedRecord: CurrentVersion(), RunID: "run-1", Epoch: -1}); err == nil {
		t.Fatal("expected negative epoch error")
	}
}
