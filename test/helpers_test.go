package test

import (
	"clipbin/cfg"
	"clipbin/svc/lim"
	"clipbin/svc/notify"
	"clipbin/svc/store"
	"clipbin/svc/svc"
	"clipbin/svc/util"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {

		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}

		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {

	_ = loadTestEnv()

	c, err := cfg.Load()
	if err != nil {
		c = &cfg.Cfg{
			Port:              "0",
			Environment:       "test",
			LogLevel:          "error",
			MaxClipSize:       50 * 1024,
			MaxCustomExpiry:   30 * 24 * time.Hour,
			StoreShards:       16,
			SweepInterval:     5 * time.Minute,
			LazySweepDebounce: 2 * time.Minute,
			NotifyDoneCap:     1024,
			MaxWorkerLoad:     1000,
			ContextTimeout:    30 * time.Second,
		}
	}

	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"

	// Keep rate limiting out of the way unless a test opts back in.
	c.RateLimit.RPM = 100000
	c.RateLimit.Burst = 10000
	c.RateLimit.ConservativeLimit = 50000

	return c
}

func createTestHub(t *testing.T, c *cfg.Cfg) *notify.Hub {
	hub, err := notify.NewHub(c.NotifyDoneCap)
	if err != nil {
		t.Fatal(err)
	}
	return hub
}

func createTestStore(c *cfg.Cfg, hub *notify.Hub) *store.Store {
	return store.New(store.Options{
		Shards:            c.StoreShards,
		MaxContentSize:    c.MaxClipSize,
		LazySweepDebounce: c.LazySweepDebounce,
		Notifier:          hub,
	})
}

func createTestService(t *testing.T) (*svc.Clip, *store.Store) {
	util.InitLog("error", false)
	c := createTestConfig()
	hub := createTestHub(t, c)
	st := createTestStore(c, hub)
	return svc.NewClip(st, hub, c), st
}

func createTestLimiter(c *cfg.Cfg) *lim.Limiter {
	return lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, c.TrustedProxies)
}
