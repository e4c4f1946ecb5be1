package redis

import (
	"context"
	"testing"
)

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
