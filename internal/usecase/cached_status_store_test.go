package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/cache"
)

func TestCachedStatusStore_GetStatus_CacheHit(t *testing.T) {
	delegate := newMockStatusStore()
	statusCache := newMockStatusCache()
	statusCache.data["movie123"] = model.StatusFinished

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)

	got, err := store.GetStatus(context.Background(), "movie123")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != model.StatusFinished {
		t.Errorf("status = %s, want %s", got, model.StatusFinished)
	}
	if delegate.getCount.Load() != 0 {
		t.Errorf("delegate GetStatus called %d times, want 0", delegate.getCount.Load())
	}
}

func TestCachedStatusStore_GetStatus_CacheMiss(t *testing.T) {
	delegate := newMockStatusStore()
	delegate.rows["movie123"] = model.StatusProcessing
	statusCache := newMockStatusCache()

	var gotTTL time.Duration
	statusCache.setFn = func(ctx context.Context, assetID string, status model.Status, ttl time.Duration) error {
		gotTTL = ttl
		statusCache.data[assetID] = status
		return nil
	}

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)

	got, err := store.GetStatus(context.Background(), "movie123")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != model.StatusProcessing {
		t.Errorf("status = %s, want %s", got, model.StatusProcessing)
	}
	if delegate.getCount.Load() != 1 {
		t.Errorf("delegate GetStatus called %d times, want 1", delegate.getCount.Load())
	}
	if !statusCache.has("movie123") {
		t.Error("status was not cached")
	}
	if gotTTL != time.Minute {
		t.Errorf("ttl = %v, want 1m", gotTTL)
	}
}

func TestCachedStatusStore_GetStatus_NotFoundIsNotCached(t *testing.T) {
	delegate := newMockStatusStore()
	statusCache := newMockStatusCache()
	store := NewCachedStatusStore(delegate, statusCache, time.Minute)

	_, err := store.GetStatus(context.Background(), "movie123")
	if !errors.Is(err, repository.ErrStatusNotFound) {
		t.Fatalf("GetStatus() error = %v, want %v", err, repository.ErrStatusNotFound)
	}
	if statusCache.has("movie123") {
		t.Error("missing row was cached")
	}
}

func TestCachedStatusStore_GetStatus_CacheErrorFallsBack(t *testing.T) {
	delegate := newMockStatusStore()
	delegate.rows["movie123"] = model.StatusFinished
	statusCache := newMockStatusCache()
	statusCache.getFn = func(context.Context, string) (*cache.CachedStatus, error) {
		return nil, errors.New("redis down")
	}
	statusCache.setFn = func(context.Context, string, model.Status, time.Duration) error {
		return errors.New("redis down")
	}

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)

	got, err := store.GetStatus(context.Background(), "movie123")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != model.StatusFinished {
		t.Errorf("status = %s, want %s", got, model.StatusFinished)
	}
}

func TestCachedStatusStore_GetStatus_Singleflight(t *testing.T) {
	delegate := newMockStatusStore()
	delegate.getStatusFn = func(context.Context, string) (model.Status, error) {
		time.Sleep(50 * time.Millisecond)
		return model.StatusFinished, nil
	}
	store := NewCachedStatusStore(delegate, newMockStatusCache(), time.Minute)

	const n = 10
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetStatus(context.Background(), "movie123"); err != nil {
				t.Errorf("GetStatus() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := delegate.getCount.Load(); got != 1 {
		t.Errorf("delegate GetStatus called %d times, want 1 (singleflight should coalesce)", got)
	}
}

func TestCachedStatusStore_SetStatus_Invalidates(t *testing.T) {
	tests := []struct {
		name           string
		initial        model.Status
		next           model.Status
		wantErr        error
		wantInvalidate bool
	}{
		{
			name:           "successful write",
			initial:        model.StatusProcessing,
			next:           model.StatusFinished,
			wantInvalidate: true,
		},
		{
			name:           "finished on missing row",
			next:           model.StatusFinished,
			wantErr:        repository.ErrStatusNotFound,
			wantInvalidate: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delegate := newMockStatusStore()
			if tt.initial != "" {
				delegate.rows["movie123"] = tt.initial
			}
			statusCache := newMockStatusCache()
			statusCache.data["movie123"] = model.StatusProcessing

			store := NewCachedStatusStore(delegate, statusCache, time.Minute)
			err := store.SetStatus(context.Background(), "movie123", tt.next)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetStatus() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("SetStatus() error = %v", err)
			}

			if got := statusCache.has("movie123"); got == tt.wantInvalidate {
				t.Errorf("cache entry present = %v, want %v", got, !tt.wantInvalidate)
			}
		})
	}
}

func TestCachedStatusStore_SetStatus_InvalidTransitionInvalidates(t *testing.T) {
	delegate := newMockStatusStore()
	delegate.setStatusFn = func(context.Context, string, model.Status) error {
		return repository.ErrInvalidTransition
	}
	statusCache := newMockStatusCache()
	statusCache.data["movie123"] = model.StatusProcessing

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)
	if err := store.SetStatus(context.Background(), "movie123", model.StatusFinished); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if statusCache.has("movie123") {
		t.Error("cache entry kept after rejected transition")
	}
}

func TestCachedStatusStore_RemoveStatus(t *testing.T) {
	delegate := newMockStatusStore()
	delegate.rows["movie123"] = model.StatusFinished
	statusCache := newMockStatusCache()
	statusCache.data["movie123"] = model.StatusFinished

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)
	if err := store.RemoveStatus(context.Background(), "movie123"); err != nil {
		t.Fatalf("RemoveStatus() error = %v", err)
	}

	if statusCache.has("movie123") {
		t.Error("cache entry not removed")
	}
	if _, err := store.GetStatus(context.Background(), "movie123"); !errors.Is(err, repository.ErrStatusNotFound) {
		t.Errorf("GetStatus() after remove error = %v, want %v", err, repository.ErrStatusNotFound)
	}
}

func TestCachedStatusStore_RemoveStatus_RefusedWhileProcessing(t *testing.T) {
	delegate := newMockStatusStore()
	delegate.rows["movie123"] = model.StatusProcessing
	statusCache := newMockStatusCache()
	statusCache.data["movie123"] = model.StatusFinished

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)
	if err := store.RemoveStatus(context.Background(), "movie123"); !errors.Is(err, repository.ErrStatusProcessing) {
		t.Fatalf("RemoveStatus() error = %v, want %v", err, repository.ErrStatusProcessing)
	}

	if statusCache.has("movie123") {
		t.Error("stale cache entry kept after refused delete")
	}
	if got, ok := delegate.status("movie123"); !ok || got != model.StatusProcessing {
		t.Errorf("status = %s (exists %v), want PROCESSING", got, ok)
	}
}

func TestCachedStatusStore_CacheDeleteFailureDoesNotFailWrite(t *testing.T) {
	delegate := newMockStatusStore()
	statusCache := newMockStatusCache()
	statusCache.deleteFn = func(context.Context, string) error {
		return errors.New("redis down")
	}

	store := NewCachedStatusStore(delegate, statusCache, time.Minute)
	if err := store.SetStatus(context.Background(), "movie123", model.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if statusCache.deleteCount.Load() != 1 {
		t.Errorf("cache Delete called %d times, want 1", statusCache.deleteCount.Load())
	}
}
