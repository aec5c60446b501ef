package shellsession

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPoolGetCreatesAndReusesSession(t *testing.T) {
	p := NewPool(Config{IdleExpiry: time.Minute}, nil, nil)
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := p.Get(ctx, "conv-1", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := p.Get(ctx, "conv-1", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1 != s2 {
		t.Error("expected Get to return the same session for the same conversation")
	}
}

func TestPoolGetSingleFlightsConcurrentCreation(t *testing.T) {
	p := NewPool(Config{IdleExpiry: time.Minute}, nil, nil)
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Get(ctx, "conv-shared", "", nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < 8; i++ {
		if sessions[i] != sessions[0] {
			t.Error("expected all concurrent Get calls to single-flight onto one session")
		}
	}
}

func TestPoolEvictStopsAndRemovesSession(t *testing.T) {
	p := NewPool(Config{IdleExpiry: time.Minute}, nil, nil)
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := p.Get(ctx, "conv-1", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Evict("conv-1", "test")
	if s.Alive() {
		t.Error("expected evicted session's process to be stopped")
	}
	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after eviction", p.Count())
	}
}

func TestPoolGetRecreatesAfterDeath(t *testing.T) {
	p := NewPool(Config{IdleExpiry: time.Minute}, nil, nil)
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := p.Get(ctx, "conv-1", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = s1.Stop()

	p.Evict("conv-1", "dead")
	s2, err := p.Get(ctx, "conv-1", "", nil)
	if err != nil {
		t.Fatalf("unexpected error recreating session: %v", err)
	}
	if s2 == s1 {
		t.Error("expected a fresh session after the old one died")
	}
	if !s2.Alive() {
		t.Error("expected recreated session to be alive")
	}
}
