package registry

import (
	"context"
	"testing"
)

func newTestRepo(t *testing.T) DeviceRepository {
	t.Helper()
	reg, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return NewDeviceRepository(reg)
}

func TestCreateAndGetByName(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := &DeviceRecord{
		Name:            "loopback",
		Direction:       Duplex,
		DefaultRate:     48000,
		DefaultChannels: 2,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := repo.GetByName(ctx, "loopback")
	if err != nil {
		t.Fatalf("GetByName() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByName() = nil, want record")
	}
	if got.DefaultRate != 48000 || got.DefaultChannels != 2 {
		t.Errorf("GetByName() = %+v, want rate=48000 channels=2", got)
	}
}

func TestGetByNameMissingReturnsNil(t *testing.T) {
	repo := newTestRepo(t)
	got, err := repo.GetByName(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetByName() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByName(nonexistent) = %+v, want nil", got)
	}
}

func TestResolveDefaultQuery(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := &DeviceRecord{Name: "a", Direction: Playback, DefaultRate: 44100, DefaultChannels: 2}
	b := &DeviceRecord{Name: "b", Direction: Playback, DefaultRate: 48000, DefaultChannels: 2, IsDefault: true}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Resolve(ctx, DefaultQuery, Playback)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got == nil || got.Name != "b" {
		t.Fatalf("Resolve(default) = %+v, want device b", got)
	}

	got, err = repo.Resolve(ctx, "", Playback)
	if err != nil {
		t.Fatalf("Resolve(\"\") error: %v", err)
	}
	if got == nil || got.Name != "b" {
		t.Fatalf("Resolve(\"\") = %+v, want device b", got)
	}
}

func TestSetDefaultSwitchesWithinDirection(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := &DeviceRecord{Name: "a", Direction: Capture, DefaultRate: 44100, DefaultChannels: 1, IsDefault: true}
	b := &DeviceRecord{Name: "b", Direction: Capture, DefaultRate: 48000, DefaultChannels: 1}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	if err := repo.SetDefault(ctx, b.ID); err != nil {
		t.Fatalf("SetDefault() error: %v", err)
	}

	got, err := repo.GetDefault(ctx, Capture)
	if err != nil {
		t.Fatalf("GetDefault() error: %v", err)
	}
	if got == nil || got.Name != "b" {
		t.Fatalf("GetDefault() = %+v, want device b", got)
	}

	stale, err := repo.GetByName(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if stale.IsDefault {
		t.Error("device a should no longer be marked default")
	}
}

func TestListOrdersByName(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mu"} {
		if err := repo.Create(ctx, &DeviceRecord{
			Name: name, Direction: Playback, DefaultRate: 48000, DefaultChannels: 2,
		}); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(recs))
	}
	want := []string{"alpha", "mu", "zeta"}
	for i, w := range want {
		if recs[i].Name != w {
			t.Errorf("List()[%d] = %q, want %q", i, recs[i].Name, w)
		}
	}
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := &DeviceRecord{Name: "gone", Direction: Playback, DefaultRate: 48000, DefaultChannels: 2}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err := repo.GetByName(ctx, "gone")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("device still present after Delete()")
	}
}
