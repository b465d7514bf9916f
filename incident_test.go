package goShield

import (
	"testing"
	"time"

	"github.com/MrEthical07/goShield/internal/abuse"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIncidentEdgeBlockOnCriticalScore(t *testing.T) {
	cfg := testConfig()
	cfg.Abuse.BlockThreshold = 8
	cfg.Incident.CriticalScore = 8
	cfg.Incident.EdgeBlock = time.Hour

	up := newMockUserProvider(UserRecord{ID: "u1"})
	sink := NewChannelSink(16)

	_, rdb := newTestRedis(t)
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	ctx := clientCtx("203.0.113.30")
	fp := fingerprintFromContext(ctx)

	// One forged submission carries enough weight to cross the threshold.
	if _, err := engine.Authorize(ctx, CheckRequest{
		Method:     "POST",
		Path:       "/posts",
		Class:      ClassGeneral,
		CsrfToken:  "garbage",
		CsrfSecret: "garbage",
	}); err == nil {
		t.Fatal("expected csrf rejection")
	}

	waitFor(t, "edge block", func() bool {
		return engine.MetricsSnapshot().Counters[MetricIncidentEdgeBlock] == 1
	})

	blocked, until := engine.detector.IsBlocked(fp)
	if !blocked {
		t.Fatal("expected fingerprint to be blocked")
	}
	if time.Until(until) < 30*time.Minute {
		t.Fatalf("expected extended edge block, blocked until %s", until)
	}

	// The incident itself lands on the audit trail.
	var incident AuditEvent
	waitFor(t, "incident audit event", func() bool {
		for {
			select {
			case ev := <-sink.Events():
				if ev.EventType == "incident" {
					incident = ev
					return true
				}
			default:
				return false
			}
		}
	})
	if incident.IncidentID == "" {
		t.Fatal("expected incident id")
	}
	if incident.Fingerprint != fp {
		t.Fatalf("expected fingerprint %q, got %q", fp, incident.Fingerprint)
	}
	if got := incident.Metadata["trigger"]; got != abuse.EventCSRFFailure.String() {
		t.Fatalf("expected csrf trigger, got %q", got)
	}
}

func TestIncidentForcesSessionRegeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Abuse.BlockThreshold = 8
	cfg.Incident.CriticalScore = 1000

	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, cfg, up)
	ctx := clientCtx("203.0.113.31")
	fp := fingerprintFromContext(ctx)

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	// A forged token on an authenticated request implicates the session.
	if _, err := engine.Authorize(ctx, CheckRequest{
		Method:     "POST",
		Path:       "/posts",
		Class:      ClassGeneral,
		SessionID:  grant.SessionID,
		CsrfToken:  "garbage",
		CsrfSecret: "garbage",
	}); err == nil {
		t.Fatal("expected csrf rejection")
	}

	waitFor(t, "forced regeneration", func() bool {
		return engine.MetricsSnapshot().Counters[MetricIncidentForcedRegen] == 1
	})

	// Lift the score block so the session's next request reaches the
	// success path and observes the flag.
	engine.detector.Unblock(fp)

	result, err := engine.Authorize(ctx, CheckRequest{
		Method:      "GET",
		Path:        "/feed",
		Class:       ClassRead,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !result.RegenerationRequired {
		t.Fatal("expected RegenerationRequired after incident response")
	}
}

func TestIncidentDisabledNoResponder(t *testing.T) {
	cfg := testConfig()
	cfg.Incident.Enabled = false
	cfg.Abuse.BlockThreshold = 8

	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, cfg, up)
	ctx := clientCtx("203.0.113.32")

	if _, err := engine.Authorize(ctx, CheckRequest{
		Method:     "POST",
		Path:       "/posts",
		Class:      ClassGeneral,
		CsrfToken:  "garbage",
		CsrfSecret: "garbage",
	}); err == nil {
		t.Fatal("expected csrf rejection")
	}

	// The detector still blocks on its own; no incident bookkeeping runs.
	time.Sleep(50 * time.Millisecond)
	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricAbuseThreshold] != 0 {
		t.Fatal("expected no incident handling when disabled")
	}
	if snap.Counters[MetricIncidentEdgeBlock] != 0 {
		t.Fatal("expected no edge blocks when disabled")
	}
}
