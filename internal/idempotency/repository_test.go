package idempotency

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newRecord(key string, createdAt time.Time) *IdempotencyKey {
	body := `{"session_id":"cs_test_1","session_url":"https://checkout.stripe.com/c/pay/cs_test_1"}`
	return &IdempotencyKey{
		Key:                key,
		Method:             "POST",
		Route:              "/payments/initiate",
		CreatedAt:          createdAt,
		RequestHash:        ComputeRequestHash([]byte(`{"user_id":1,"amount":500}`)),
		Status:             StatusCompleted,
		ResponseBody:       body,
		ResponseStatusCode: 200,
	}
}

func TestInMemoryRepository_Get(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "nonexistent"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	key := newRecord("test-key", time.Time{})
	if err := repo.Store(ctx, key); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	retrieved, err := repo.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if retrieved.Key != key.Key {
		t.Errorf("Get() Key = %v, want %v", retrieved.Key, key.Key)
	}
	if retrieved.Route != key.Route {
		t.Errorf("Get() Route = %v, want %v", retrieved.Route, key.Route)
	}
	if retrieved.ResponseBody != key.ResponseBody {
		t.Errorf("Get() ResponseBody = %v, want %v", retrieved.ResponseBody, key.ResponseBody)
	}
	if retrieved.CreatedAt.IsZero() {
		t.Error("Store() should set CreatedAt but it's still zero")
	}
}

func TestInMemoryRepository_Store(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	key := newRecord("test-key", time.Time{})
	if err := repo.Store(ctx, key); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if err := repo.Store(ctx, key); !errors.Is(err, ErrKeyExists) {
		t.Errorf("Store() duplicate error = %v, want %v", err, ErrKeyExists)
	}
}

func TestInMemoryRepository_Store_InvalidKey(t *testing.T) {
	repo := NewInMemoryRepository()

	tests := []struct {
		name      string
		key       string
		expectErr error
	}{
		{"empty key", "", ErrInvalidKey},
		{"key too long", strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.Store(context.Background(), newRecord(tt.key, time.Time{}))
			if !errors.Is(err, tt.expectErr) {
				t.Errorf("Store() error = %v, want %v", err, tt.expectErr)
			}
		})
	}
}

func TestInMemoryRepository_DeleteOlderThan(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if err := repo.Store(ctx, newRecord("old-key", time.Now().Add(-25*time.Hour))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, newRecord("recent-key", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	deleted, err := repo.DeleteOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOlderThan() deleted = %d, want 1", deleted)
	}

	if _, err := repo.Get(ctx, "old-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() old key error = %v, want %v", err, ErrKeyNotFound)
	}
	if _, err := repo.Get(ctx, "recent-key"); err != nil {
		t.Errorf("Get() recent key error = %v, want nil", err)
	}
}

func TestInMemoryRepository_Isolation(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	original := newRecord("test-key", time.Time{})
	if err := repo.Store(ctx, original); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	original.ResponseBody = "modified"

	retrieved, err := repo.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if retrieved.ResponseBody == "modified" {
		t.Error("external mutation affected stored record")
	}
}
