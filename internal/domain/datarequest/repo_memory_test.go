package datarequest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepoDuplicatePair(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	psn := "psn-1"

	if err := repo.Create(ctx, &DataRequest{ID: "a", ExchangeID: "tok-1", ProjectID: &psn, Status: StatusCreated}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := repo.Create(ctx, &DataRequest{ID: "b", ExchangeID: "tok-1", ProjectID: &psn, Status: StatusCreated})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("same pair: err = %v, want ErrDuplicate", err)
	}

	// Same exchange id under another project is fine.
	other := "psn-2"
	if err := repo.Create(ctx, &DataRequest{ID: "c", ExchangeID: "tok-1", ProjectID: &other, Status: StatusCreated}); err != nil {
		t.Errorf("other project: %v", err)
	}
	// And so is a nil project id.
	if err := repo.Create(ctx, &DataRequest{ID: "d", ExchangeID: "tok-1", Status: StatusCreated}); err != nil {
		t.Errorf("nil project: %v", err)
	}
	err = repo.Create(ctx, &DataRequest{ID: "e", ExchangeID: "tok-1", Status: StatusCreated})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("nil pair twice: err = %v, want ErrDuplicate", err)
	}
}

func TestMemoryRepoGetByExchangeAndProject(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	psn := "psn-1"

	if err := repo.Create(ctx, &DataRequest{ID: "a", ExchangeID: "tok-1", ProjectID: &psn, Status: StatusCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}

	dr, err := repo.GetByExchangeAndProject(ctx, "tok-1", &psn)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dr.ID != "a" {
		t.Errorf("id = %q", dr.ID)
	}

	// A nil project id only matches rows without a pseudonym.
	if _, err := repo.GetByExchangeAndProject(ctx, "tok-1", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("nil project: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRepoUpdateStatus(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	if err := repo.Create(ctx, &DataRequest{ID: "a", ExchangeID: "tok-1", Status: StatusCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "a", StatusError, "linkage failed"); err != nil {
		t.Fatalf("update: %v", err)
	}

	dr, err := repo.GetByID(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dr.Status != StatusError || dr.Message == nil || *dr.Message != "linkage failed" {
		t.Errorf("dr = %+v", dr)
	}
	if dr.ExchangeID != "tok-1" {
		t.Errorf("immutable field changed: %q", dr.ExchangeID)
	}

	if err := repo.UpdateStatus(ctx, "missing", StatusSuccess, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemorySyncState(t *testing.T) {
	s := NewMemorySyncState()
	ctx := context.Background()

	got, err := s.LastWindowEnd(ctx)
	if err != nil || !got.IsZero() {
		t.Errorf("initial window end = %v, %v", got, err)
	}

	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SetLastWindowEnd(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ = s.LastWindowEnd(ctx)
	if !got.Equal(want) {
		t.Errorf("window end = %v, want %v", got, want)
	}
}
