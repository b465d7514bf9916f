package goShield

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MrEthical07/goShield/internal/abuse"
	"github.com/MrEthical07/goShield/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// recentSessions remembers the last session id seen misbehaving per
// fingerprint so a CSRF-burst incident can force that session's
// regeneration. Bounded; old entries are evicted arbitrarily once the cap
// is hit, which only weakens a best-effort response.
type recentSessions struct {
	mu sync.Mutex
	m  map[string]string
}

const recentSessionsCap = 1024

func newRecentSessions() *recentSessions {
	return &recentSessions{m: make(map[string]string)}
}

func (r *recentSessions) put(fingerprint, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.m) >= recentSessionsCap {
		for k := range r.m {
			delete(r.m, k)
			break
		}
	}
	r.m[fingerprint] = sessionID
}

func (r *recentSessions) take(fingerprint string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid, ok := r.m[fingerprint]
	if ok {
		delete(r.m, fingerprint)
	}
	return sid, ok
}

// incidentResponder consumes threshold crossings from the abuse detector
// and applies response policies: critical scores extend the edge block,
// CSRF bursts force regeneration of the implicated session. Every action
// is audited under a fresh incident id.
type incidentResponder struct {
	cfg      IncidentConfig
	detector *abuse.Detector
	sessions *session.Store
	recent   *recentSessions
	audit    *auditDispatcher
	metrics  *Metrics
	logger   *zap.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newIncidentResponder(
	cfg IncidentConfig,
	detector *abuse.Detector,
	sessions *session.Store,
	recent *recentSessions,
	audit *auditDispatcher,
	metrics *Metrics,
	logger *zap.Logger,
) *incidentResponder {
	if !cfg.Enabled {
		return nil
	}

	r := &incidentResponder{
		cfg:      cfg,
		detector: detector,
		sessions: sessions,
		recent:   recent,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *incidentResponder) run() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.detector.Events():
			r.handle(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.detector.Events():
					r.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *incidentResponder) handle(ev abuse.ThresholdEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	incidentID := uuid.NewString()
	r.metrics.Inc(MetricAbuseThreshold)

	actions := make([]string, 0, 2)

	if ev.Score >= r.cfg.CriticalScore {
		until := r.detector.Block(ev.Fingerprint, r.cfg.EdgeBlock)
		r.metrics.Inc(MetricIncidentEdgeBlock)
		actions = append(actions, "edge_block")
		r.logger.Warn("edge block extended",
			zap.String("incident_id", incidentID),
			zap.String("fingerprint", ev.Fingerprint),
			zap.Time("blocked_until", until),
		)
	}

	if ev.Trigger == abuse.EventCSRFFailure {
		if sid, ok := r.recent.take(ev.Fingerprint); ok {
			if err := r.sessions.MarkRegenerate(ctx, sid, 0); err != nil {
				r.logger.Error("forced regeneration flag failed",
					zap.String("incident_id", incidentID),
					zap.Error(err),
				)
			} else {
				r.metrics.Inc(MetricIncidentForcedRegen)
				actions = append(actions, "forced_regeneration")
			}
		}
	}

	r.audit.Emit(ctx, AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "incident",
		Fingerprint: ev.Fingerprint,
		IncidentID:  incidentID,
		Success:     true,
		Metadata: map[string]string{
			"trigger":       ev.Trigger.String(),
			"score":         strconv.FormatFloat(ev.Score, 'f', 2, 64),
			"prior_blocks":  strconv.Itoa(ev.PriorBlocks),
			"blocked_until": ev.BlockedUntil.UTC().Format(time.RFC3339),
			"actions":       joinActions(actions),
		},
	})
}

func joinActions(actions []string) string {
	switch len(actions) {
	case 0:
		return "score_block"
	case 1:
		return actions[0]
	default:
		out := actions[0]
		for _, a := range actions[1:] {
			out += "," + a
		}
		return out
	}
}

// Close drains pending events and stops the responder goroutine.
func (r *incidentResponder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}
