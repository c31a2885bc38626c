package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultKeepAliveInterval is the heartbeat cadence used when the
// caller does not configure one.
const DefaultKeepAliveInterval = 5 * time.Minute

// HeartbeatFunc issues one lightweight authenticated request. It must
// return SessionExpiredErr (possibly wrapped) when the portal rejected
// the session's credentials; any other error is treated as transient.
type HeartbeatFunc func(ctx context.Context) error

// KeepAlive periodically refreshes one Session so the portal's idle
// timer never fires. Heartbeats are strictly sequential: the next wait
// is armed only after the previous heartbeat returned, using the
// interval current at that moment.
type KeepAlive struct {
	sess *Session
	beat HeartbeatFunc

	nowTime func() time.Time

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// KeepAliveOption configures a KeepAlive.
type KeepAliveOption func(*KeepAlive)

// WithKeepAliveNowTime sets the clock (primarily for testing).
func WithKeepAliveNowTime(nowFunc func() time.Time) KeepAliveOption {
	return func(k *KeepAlive) {
		k.nowTime = nowFunc
	}
}

// NewKeepAlive binds a scheduler to one Session. The scheduler is
// created stopped; Start launches the background loop.
func NewKeepAlive(sess *Session, beat HeartbeatFunc, interval time.Duration, options ...KeepAliveOption) (*KeepAlive, error) {
	if sess == nil {
		return nil, errors.New("[NewKeepAlive] session is required")
	}
	if beat == nil {
		return nil, errors.New("[NewKeepAlive] heartbeat func is required")
	}

	k := &KeepAlive{
		sess:     sess,
		beat:     beat,
		interval: interval,
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(k)
	}
	return k, nil
}

// Start launches the heartbeat loop unless the interval is zero or a
// loop is already running.
func (k *KeepAlive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil || k.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.loop(ctx, k.done)
}

// Stop cancels the pending wait and blocks until the loop has exited.
// Idempotent; the Session itself is left untouched.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel = nil
	k.done = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether the heartbeat loop is active.
func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancel != nil
}

// Interval returns the current heartbeat interval.
func (k *KeepAlive) Interval() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interval
}

// SetInterval changes the heartbeat cadence. Zero stops the scheduler
// without touching session validity. A non-zero change takes effect
// from the next scheduling decision, never retroactively; a stopped
// scheduler stays stopped until Start.
func (k *KeepAlive) SetInterval(d time.Duration) {
	k.mu.Lock()
	k.interval = d
	k.mu.Unlock()

	if d <= 0 {
		k.Stop()
	}
}

func (k *KeepAlive) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		interval := k.Interval()
		if interval <= 0 {
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := k.beat(ctx)
		switch {
		case err == nil:
			k.sess.MarkRefreshed(k.nowTime())
		case errors.Is(err, SessionExpiredErr):
			// No further heartbeats to a known-dead session.
			k.sess.MarkExpired()
			k.detach()
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn().Err(err).Msg("keep-alive heartbeat failed, will retry next cycle")
		}
	}
}

// detach clears the running state after a self-initiated exit so a
// later Start is possible again.
func (k *KeepAlive) detach() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
		k.done = nil
	}
}
