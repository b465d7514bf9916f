package abuse

import (
	"hash/maphash"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies one observed security signal.
type EventType uint8

const (
	// EventRequest is an ordinary admitted request.
	EventRequest EventType = iota
	// EventAuthFailure is a failed authentication or session resolution.
	EventAuthFailure
	// EventCSRFFailure is a failed CSRF verification.
	EventCSRFFailure
	// EventRateLimitHit is a rate-limiter rejection.
	EventRateLimitHit
)

// String returns the audit-facing event name.
func (e EventType) String() string {
	switch e {
	case EventRequest:
		return "request"
	case EventAuthFailure:
		return "auth_failure"
	case EventCSRFFailure:
		return "csrf_failure"
	case EventRateLimitHit:
		return "rate_limit_hit"
	default:
		return "unknown"
	}
}

// Default signal weights. Deliberate probing (auth and CSRF failures)
// weighs far more than throttled retries.
const (
	weightRequest      = 0.1
	weightAuthFailure  = 8.0
	weightCSRFFailure  = 8.0
	weightRateLimitHit = 1.5
	weightDiversity    = 6.0
)

const (
	shardCount     = 64
	sweepThreshold = 4096
	idleScoreFloor = 0.01
)

// Config holds the abuse detector tuning parameters.
type Config struct {
	DecayConstant      time.Duration
	BlockThreshold     float64
	BaseBlock          time.Duration
	MaxBlock           time.Duration
	DiversityWindow    time.Duration
	DiversityThreshold int
	NotifyBuffer       int
}

// ThresholdEvent is published when a fingerprint's score crosses the
// block threshold.
type ThresholdEvent struct {
	Fingerprint  string
	Trigger      EventType
	Score        float64
	BlockedUntil time.Time
	PriorBlocks  int
}

type record struct {
	score        float64
	lastUpdate   time.Time
	blockedUntil time.Time
	priorBlocks  int

	pathWindowStart time.Time
	paths           map[string]struct{}
}

type shard struct {
	mu sync.Mutex
	m  map[string]*record
}

// Detector maintains suspicion records per fingerprint. Safe for
// concurrent use.
type Detector struct {
	cfg     Config
	shards  [shardCount]shard
	seed    maphash.Seed
	events  chan ThresholdEvent
	dropped atomic.Uint64
	now     func() time.Time
}

// NewDetector creates a [Detector] with the given configuration. Zero
// values fall back to conservative defaults.
func NewDetector(cfg Config) *Detector {
	if cfg.DecayConstant <= 0 {
		cfg.DecayConstant = 10 * time.Minute
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 30
	}
	if cfg.BaseBlock <= 0 {
		cfg.BaseBlock = 5 * time.Minute
	}
	if cfg.MaxBlock <= 0 {
		cfg.MaxBlock = 2 * time.Hour
	}
	if cfg.DiversityWindow <= 0 {
		cfg.DiversityWindow = 30 * time.Second
	}
	if cfg.DiversityThreshold <= 0 {
		cfg.DiversityThreshold = 12
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 64
	}

	d := &Detector{
		cfg:    cfg,
		seed:   maphash.MakeSeed(),
		events: make(chan ThresholdEvent, cfg.NotifyBuffer),
		now:    time.Now,
	}
	for i := range d.shards {
		d.shards[i].m = make(map[string]*record)
	}
	return d
}

// Events returns the threshold-crossing feed consumed by the incident
// responder. Crossings are dropped (and counted) if nobody drains the
// channel fast enough.
func (d *Detector) Events() <-chan ThresholdEvent {
	return d.events
}

// Dropped returns the number of threshold events lost to backpressure.
func (d *Detector) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Detector) shard(fp string) *shard {
	return &d.shards[maphash.String(d.seed, fp)%shardCount]
}

func weightFor(et EventType) float64 {
	switch et {
	case EventAuthFailure:
		return weightAuthFailure
	case EventCSRFFailure:
		return weightCSRFFailure
	case EventRateLimitHit:
		return weightRateLimitHit
	default:
		return weightRequest
	}
}

// RecordEvent folds one signal into the fingerprint's suspicion score and
// returns the updated value. Crossing the block threshold arms the
// blocked-until expiry and publishes a [ThresholdEvent].
func (d *Detector) RecordEvent(fp string, et EventType, path string) float64 {
	now := d.now()
	sh := d.shard(fp)

	sh.mu.Lock()

	rec, ok := sh.m[fp]
	if !ok {
		rec = &record{lastUpdate: now}
		sh.m[fp] = rec
		if len(sh.m) > sweepThreshold {
			d.sweepLocked(sh, now)
		}
	}

	d.decayLocked(rec, now)

	delta := weightFor(et)
	if path != "" {
		delta += d.diversityBonusLocked(rec, path, now)
	}
	rec.score += delta

	var crossed *ThresholdEvent
	if rec.score >= d.cfg.BlockThreshold && now.After(rec.blockedUntil) {
		until := now.Add(d.blockDuration(rec.score, rec.priorBlocks))
		rec.blockedUntil = until
		rec.priorBlocks++
		crossed = &ThresholdEvent{
			Fingerprint:  fp,
			Trigger:      et,
			Score:        rec.score,
			BlockedUntil: until,
			PriorBlocks:  rec.priorBlocks - 1,
		}
	}
	score := rec.score

	sh.mu.Unlock()

	if crossed != nil {
		select {
		case d.events <- *crossed:
		default:
			d.dropped.Add(1)
		}
	}

	return score
}

// IsBlocked reports whether the fingerprint is currently blocked and when
// the block expires. Blocks always self-heal: once blocked-until passes,
// a transient false positive needs no manual intervention.
func (d *Detector) IsBlocked(fp string) (bool, time.Time) {
	now := d.now()
	sh := d.shard(fp)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.m[fp]
	if !ok {
		return false, time.Time{}
	}
	if now.Before(rec.blockedUntil) {
		return true, rec.blockedUntil
	}
	return false, time.Time{}
}

// Score returns the current (decayed) suspicion score.
func (d *Detector) Score(fp string) float64 {
	now := d.now()
	sh := d.shard(fp)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.m[fp]
	if !ok {
		return 0
	}
	d.decayLocked(rec, now)
	return rec.score
}

// Block imposes an explicit edge block, bypassing the scoring path. Used
// by the incident responder.
func (d *Detector) Block(fp string, duration time.Duration) time.Time {
	now := d.now()
	if duration <= 0 {
		duration = d.cfg.BaseBlock
	}
	until := now.Add(duration)

	sh := d.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.m[fp]
	if !ok {
		rec = &record{lastUpdate: now}
		sh.m[fp] = rec
	}
	if until.After(rec.blockedUntil) {
		rec.blockedUntil = until
		rec.priorBlocks++
	}
	return rec.blockedUntil
}

// Unblock lifts a block early. Operator path only.
func (d *Detector) Unblock(fp string) {
	sh := d.shard(fp)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.m[fp]; ok {
		rec.blockedUntil = time.Time{}
	}
}

func (d *Detector) decayLocked(rec *record, now time.Time) {
	dt := now.Sub(rec.lastUpdate)
	if dt <= 0 {
		return
	}
	rec.score *= math.Exp(-float64(dt) / float64(d.cfg.DecayConstant))
	rec.lastUpdate = now
}

// diversityBonusLocked adds weight when a fingerprint touches many
// distinct paths in a short interval: scanning behavior, not normal use
// of one feature.
func (d *Detector) diversityBonusLocked(rec *record, path string, now time.Time) float64 {
	if rec.paths == nil || now.Sub(rec.pathWindowStart) > d.cfg.DiversityWindow {
		rec.paths = make(map[string]struct{}, d.cfg.DiversityThreshold)
		rec.pathWindowStart = now
	}

	rec.paths[path] = struct{}{}
	if len(rec.paths) == d.cfg.DiversityThreshold {
		// Credited once per window; the map reset re-arms it.
		rec.paths = nil
		return weightDiversity
	}
	return 0
}

func (d *Detector) blockDuration(score float64, priorBlocks int) time.Duration {
	overshoot := score/d.cfg.BlockThreshold - 1
	if overshoot < 0 {
		overshoot = 0
	}

	dur := time.Duration(float64(d.cfg.BaseBlock) * (1 + overshoot))
	for i := 0; i < priorBlocks; i++ {
		dur *= 2
		if dur >= d.cfg.MaxBlock {
			return d.cfg.MaxBlock
		}
	}
	if dur > d.cfg.MaxBlock {
		dur = d.cfg.MaxBlock
	}
	return dur
}

// sweepLocked drops idle, unblocked records so the arena stays bounded.
func (d *Detector) sweepLocked(sh *shard, now time.Time) {
	for fp, rec := range sh.m {
		d.decayLocked(rec, now)
		if rec.score < idleScoreFloor && now.After(rec.blockedUntil) {
			delete(sh.m, fp)
		}
	}
}
