package test

import (
	"clipbin/pkg/domain"
	"clipbin/svc/svc"
	"clipbin/svc/util"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyRaceDetection(t *testing.T) {
	clipSvc, _ := createTestService(t)
	defer clipSvc.Shutdown()

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			expiresAt := time.Now().Add(5 * time.Minute)
			clip, err := clipSvc.Create(ctx, domain.CreateParams{Content: fmt.Sprintf("concurrent content %d", idx), ExpiresAt: expiresAt})
			if err != nil {
				return
			}
			_, _ = clipSvc.Get(ctx, clip.ID)
			if idx%3 == 0 {
				clipSvc.Revoke(ctx, clip.ID)
			}
		}(i)
	}

	wg.Wait()
	t.Log("Race detection test completed (run with -race flag)")
}

func TestConcurrentCreateUniqueIDs(t *testing.T) {
	clipSvc, _ := createTestService(t)
	defer clipSvc.Shutdown()

	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]struct{})
	errorCount := int64(0)

	numGoroutines := 500
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clip, err := clipSvc.Create(ctx, domain.CreateParams{Content: "test", ExpiresAt: time.Now().Add(5 * time.Minute)})
			if err != nil {
				atomic.AddInt64(&errorCount, 1)
				return
			}
			mu.Lock()
			ids[clip.ID] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	if errorCount > 0 {
		t.Fatalf("%d errors during concurrent creation", errorCount)
	}
	if len(ids) != numGoroutines {
		t.Errorf("expected %d unique ids, got %d", numGoroutines, len(ids))
	}

	stats := clipSvc.Stats(ctx)
	if stats.Active != numGoroutines {
		t.Errorf("stats.Active = %d, want %d", stats.Active, numGoroutines)
	}
}

func TestConcurrentRevokeSameClip(t *testing.T) {
	clipSvc, _ := createTestService(t)
	defer clipSvc.Shutdown()

	ctx := context.Background()

	clip, err := clipSvc.Create(ctx, domain.CreateParams{Content: "revoke me", ExpiresAt: time.Now().Add(5 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	successCount := int64(0)

	numGoroutines := 100
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if clipSvc.Revoke(ctx, clip.ID) {
				atomic.AddInt64(&successCount, 1)
			}
		}()
	}

	wg.Wait()

	if successCount != 1 {
		t.Errorf("revoke succeeded %d times, want exactly 1", successCount)
	}
	if _, err := clipSvc.Get(ctx, clip.ID); err != domain.ErrClipNotFound {
		t.Errorf("Get after revoke = %v, want ErrClipNotFound", err)
	}
}

func TestConcurrentGetDuringCleanup(t *testing.T) {
	clipSvc, _ := createTestService(t)
	defer clipSvc.Shutdown()

	ctx := context.Background()

	// Half the clips are already expired; Gets race against Cleanup over
	// the live half and must keep succeeding throughout.
	liveIDs := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		clip, err := clipSvc.Create(ctx, domain.CreateParams{Content: "live", ExpiresAt: time.Now().Add(5 * time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
		liveIDs = append(liveIDs, clip.ID)
		if _, err := clipSvc.Create(ctx, domain.CreateParams{Content: "doomed", ExpiresAt: time.Now().Add(time.Millisecond)}); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	getErrors := int64(0)

	wg.Add(1)
	go func() {
		defer wg.Done()
		clipSvc.Cleanup(ctx)
	}()

	for _, id := range liveIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := clipSvc.Get(ctx, id); err != nil {
					atomic.AddInt64(&getErrors, 1)
					return
				}
			}
		}(id)
	}

	wg.Wait()

	if getErrors > 0 {
		t.Errorf("%d live clips became unreadable during cleanup", getErrors)
	}
	stats := clipSvc.Stats(ctx)
	if stats.Total != 50 {
		t.Errorf("stats.Total after cleanup = %d, want 50", stats.Total)
	}
}

func TestOverloadSheddingUnderBurst(t *testing.T) {
	util.InitLog("error", false)
	c := createTestConfig()
	c.MaxWorkerLoad = 1
	hub := createTestHub(t, c)
	st := createTestStore(c, hub)
	clipSvc := svc.NewClip(st, hub, c)
	defer clipSvc.Shutdown()

	ctx := context.Background()
	var wg sync.WaitGroup
	unavailable := int64(0)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := clipSvc.Create(ctx, domain.CreateParams{Content: "burst", ExpiresAt: time.Now().Add(time.Minute)})
			if err == domain.ErrServiceUnavailable {
				atomic.AddInt64(&unavailable, 1)
			}
		}()
	}

	wg.Wait()

	// Reads are never load-shed, only creates.
	stats := clipSvc.Stats(ctx)
	if int64(stats.Total)+unavailable != 50 {
		t.Errorf("creates accepted (%d) + shed (%d) != 50", stats.Total, unavailable)
	}
}
