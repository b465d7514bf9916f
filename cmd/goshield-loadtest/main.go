// Command goshield-loadtest measures Authorize throughput and latency against
// a real or embedded Redis.
//
// It seeds N authenticated sessions, then drives two phases through the full
// decision chain:
//
//	read:  anonymous GET requests on a read-class route
//	write: authenticated POST requests carrying a valid CSRF token
//
// Usage:
//
//	go run ./cmd/goshield-loadtest -sessions 1000 -ops 50000 -concurrency 16
//	go run ./cmd/goshield-loadtest -addr localhost:6379
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goShield "github.com/MrEthical07/goShield"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type sessionState struct {
	ctx    context.Context
	grant  *goShield.SessionGrant
	userID string
}

func main() {
	var (
		addr        = flag.String("addr", "", "redis address; empty starts an embedded miniredis")
		prefix      = flag.String("prefix", "lt", "redis key prefix")
		sessions    = flag.Int("sessions", 1000, "number of sessions to seed")
		ops         = flag.Int("ops", 50000, "operations per phase")
		concurrency = flag.Int("concurrency", 16, "concurrent workers")
	)
	flag.Parse()

	ctx := context.Background()

	var (
		client  redis.UniversalClient
		cleanup func()
	)
	if *addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{mr.Addr()},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{*addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", *addr)
	}
	defer cleanup()

	engine, err := buildEngine(client, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = engine.Close() }()

	states := make([]sessionState, *sessions)
	fmt.Printf("seeding %d sessions...\n", *sessions)
	startSeed := time.Now()
	for i := 0; i < *sessions; i++ {
		sctx := clientContext(ctx, i)
		userID := fmt.Sprintf("u-%d", i)
		grant, err := engine.EstablishSession(sctx, userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "establish failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = sessionState{ctx: sctx, grant: grant, userID: userID}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	readStats := runReadPhase(engine, states, *ops, *concurrency)
	writeStats := runWritePhase(engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("read", readStats)
	printStats("write", writeStats)

	snap := engine.MetricsSnapshot()
	fmt.Printf("allowed=%d rate_limited=%d csrf_ok=%d audit_dropped=%d\n",
		snap.Counters[goShield.MetricRequestAllowed],
		snap.Counters[goShield.MetricRateLimitHit],
		snap.Counters[goShield.MetricCsrfSuccess],
		engine.AuditDropped(),
	)
}

// buildEngine assembles an engine tuned for load generation: tier limits and
// abuse thresholds are raised so the chain itself, not the policy, is what we
// measure.
func buildEngine(client redis.UniversalClient, prefix string) (*goShield.Engine, error) {
	cfg := goShield.DefaultConfig()
	cfg.Redis.Prefix = prefix
	cfg.Csrf.ServerKey = randomKey()
	cfg.Lockout.Enabled = false
	cfg.Incident.Enabled = false
	cfg.Audit.Enabled = false
	cfg.Abuse.BlockThreshold = 1 << 20
	for class, tier := range cfg.RateLimit.Tiers {
		tier.Limit = 1 << 30
		cfg.RateLimit.Tiers[class] = tier
	}

	return goShield.New().
		WithConfig(cfg).
		WithRedis(client).
		Build()
}

func runReadPhase(engine *goShield.Engine, states []sessionState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, func(r *mrand.Rand) error {
		state := &states[r.Intn(len(states))]
		result, err := engine.Authorize(state.ctx, goShield.CheckRequest{
			Method: "GET",
			Path:   "/feed",
			Class:  goShield.ClassRead,
		})
		if err != nil {
			return err
		}
		if !result.Allowed {
			return fmt.Errorf("rejected at %s", result.Stage)
		}
		return nil
	})
}

func runWritePhase(engine *goShield.Engine, states []sessionState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, func(r *mrand.Rand) error {
		state := &states[r.Intn(len(states))]
		result, err := engine.Authorize(state.ctx, goShield.CheckRequest{
			Method:      "POST",
			Path:        "/posts",
			Class:       goShield.ClassGeneral,
			RequireAuth: true,
			SessionID:   state.grant.SessionID,
			CsrfToken:   state.grant.CsrfToken,
			CsrfSecret:  state.grant.CsrfSecret,
		})
		if err != nil {
			return err
		}
		if !result.Allowed {
			return fmt.Errorf("rejected at %s", result.Stage)
		}
		return nil
	})
}

func runPhase(ops, concurrency int, op func(r *mrand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

// clientContext spreads traffic across distinct client fingerprints so
// per-fingerprint counters do not serialize on one Redis key.
func clientContext(ctx context.Context, i int) context.Context {
	ip := fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xFF, (i>>8)&0xFF, i&0xFF)
	ctx = goShield.WithClientIP(ctx, ip)
	ctx = goShield.WithUserAgent(ctx, "goshield-loadtest/1.0")
	return goShield.WithAcceptLanguage(ctx, "en-US")
}

func randomKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return key
}
