package chat

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/tools/ids"
	"JadeChat/tools/safe"
)

// ConnManager owns the one logical push connection of a session and drives
// the Disconnected -> Connecting -> Connected -> Reconnecting state machine.
// Closed is terminal and only reached by Disconnect.
//
// Every goroutine it spawns (dial attempt, closed-watcher, heartbeat
// watchdog, retry timer) carries the epoch it was started under and gives
// up silently once the epoch has moved on, so stale completions can never
// corrupt newer state.
type ConnManager struct {
	conf  config.SyncConfig
	gw    PushGateway
	creds Credentials

	mu           sync.Mutex
	state        ConnState
	retry        int
	epoch        uint64
	connID       string // id of the current Connected episode, for log correlation
	resuming     bool   // a Connected episode was interrupted; next success is a resume
	lastActivity time.Time
	rng          *rand.Rand

	onUp func(resumed bool)

	statusMu     sync.Mutex
	statusList   []func(connected bool)
	lastNotified bool
}

func NewConnManager(conf config.SyncConfig, gw PushGateway, creds Credentials) *ConnManager {
	conf.Norm()
	return &ConnManager{
		conf:  conf,
		gw:    gw,
		creds: creds,
		state: StateDisconnected,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetOnUp registers the hook invoked on every entry into Connected. The
// resumed flag is true when a previous Connected episode was interrupted,
// which obliges the caller to re-subscribe and gap-fill.
func (cm *ConnManager) SetOnUp(fn func(resumed bool)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onUp = fn
}

// OnStatus registers a connectivity listener. Listeners see edges only:
// each connected/disconnected transition is delivered at most once.
func (cm *ConnManager) OnStatus(fn func(connected bool)) {
	cm.statusMu.Lock()
	defer cm.statusMu.Unlock()
	cm.statusList = append(cm.statusList, fn)
}

func (cm *ConnManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnManager) Connected() bool {
	return cm.State() == StateConnected
}

// ConnID returns the id tagging the current Connected episode's log lines.
// Empty while not connected; every episode gets a fresh id.
func (cm *ConnManager) ConnID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != StateConnected {
		return ""
	}
	return cm.connID
}

// Connect opens the push connection. No-op while already Connecting or
// Connected, and after terminal teardown. Calling it while Reconnecting
// short-circuits the backoff timer into an immediate attempt.
func (cm *ConnManager) Connect() {
	cm.mu.Lock()
	switch cm.state {
	case StateConnecting, StateConnected, StateClosed:
		cm.mu.Unlock()
		return
	}
	cm.state = StateConnecting
	cm.epoch++
	e := cm.epoch
	cm.mu.Unlock()

	safe.Go(func() { cm.attempt(e) })
}

// Disconnect tears the connection down for good. Subscriptions are dropped
// client-side; the server times them out on its own.
func (cm *ConnManager) Disconnect() {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return
	}
	wasConnected := cm.state == StateConnected
	cm.state = StateClosed
	cm.epoch++
	cm.mu.Unlock()

	if err := cm.gw.Close(); err != nil {
		logger.Debug("close push gateway: " + err.Error())
	}
	if wasConnected {
		cm.notifyStatus(false)
	}
}

// NoteActivity records server liveness. Any inbound traffic counts, not
// only pongs.
func (cm *ConnManager) NoteActivity() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state == StateConnected {
		cm.lastActivity = cm.conf.Now()
	}
}

func (cm *ConnManager) attempt(e uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), cm.conf.RequestTimeout)
	err := cm.gw.Dial(ctx, cm.creds)
	cancel()

	cm.mu.Lock()
	if cm.epoch != e || cm.state == StateClosed {
		cm.mu.Unlock()
		if err == nil {
			_ = cm.gw.Close() // dialed into a torn-down session
		}
		return
	}
	if err != nil {
		logger.Warnf("[conn] dial failed (attempt %d): %v", cm.retry+1, err)
		cm.scheduleRetryLocked()
		cm.mu.Unlock()
		return
	}

	cm.state = StateConnected
	cm.retry = 0
	cm.lastActivity = cm.conf.Now()
	cm.connID = ids.ConnID()
	connID := cm.connID
	resumed := cm.resuming
	cm.resuming = false
	onUp := cm.onUp
	closedCh := cm.gw.Closed()
	cm.mu.Unlock()

	logger.Infof("[conn] %s connected (resumed=%v)", connID, resumed)
	cm.notifyStatus(true)
	if onUp != nil {
		safe.Go(func() { onUp(resumed) })
	}
	safe.Go(func() { cm.watchClosed(e, closedCh) })
	safe.Go(func() { cm.watchdog(e) })
}

// watchClosed reacts to unexpected transport closure while Connected.
func (cm *ConnManager) watchClosed(e uint64, closedCh <-chan error) {
	err := <-closedCh

	cm.mu.Lock()
	if cm.epoch != e || cm.state != StateConnected {
		cm.mu.Unlock()
		return
	}
	logger.Warnf("[conn] %s transport closed: %v", cm.connID, err)
	cm.resuming = true
	cm.scheduleRetryLocked()
	cm.mu.Unlock()

	cm.notifyStatus(false)
}

// watchdog enforces the heartbeat timeout: no observed server activity
// within the window means the connection is dead even if the transport
// has not noticed yet.
func (cm *ConnManager) watchdog(e uint64) {
	interval := cm.conf.HeartbeatTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		cm.mu.Lock()
		if cm.epoch != e || cm.state != StateConnected {
			cm.mu.Unlock()
			return
		}
		if cm.conf.Now().Sub(cm.lastActivity) > cm.conf.HeartbeatTimeout {
			logger.Warnf("[conn] %s heartbeat timeout after %s", cm.connID, cm.conf.HeartbeatTimeout)
			cm.resuming = true
			cm.scheduleRetryLocked()
			cm.mu.Unlock()

			_ = cm.gw.Close()
			cm.notifyStatus(false)
			return
		}
		cm.mu.Unlock()
	}
}

// scheduleRetryLocked moves to Reconnecting and arms the backoff timer.
// Caller must hold cm.mu.
func (cm *ConnManager) scheduleRetryLocked() {
	cm.state = StateReconnecting
	cm.retry++
	delay := cm.backoffLocked(cm.retry)
	cm.epoch++
	e := cm.epoch

	logger.Infof("[conn] retry %d in %s", cm.retry, delay)
	time.AfterFunc(delay, func() {
		cm.mu.Lock()
		if cm.epoch != e || cm.state != StateReconnecting {
			cm.mu.Unlock()
			return
		}
		cm.state = StateConnecting
		cm.mu.Unlock()
		cm.attempt(e)
	})
}

// backoffLocked doubles the base delay per attempt, caps it, and spreads
// retries with +/- jitter so reconnecting clients don't stampede.
func (cm *ConnManager) backoffLocked(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := cm.conf.BackoffBase << uint(shift)
	if d > cm.conf.BackoffMax {
		d = cm.conf.BackoffMax
	}
	j := cm.conf.BackoffJitter
	factor := 1 + j*(2*cm.rng.Float64()-1)
	d = time.Duration(float64(d) * factor)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (cm *ConnManager) notifyStatus(connected bool) {
	cm.statusMu.Lock()
	if cm.lastNotified == connected {
		cm.statusMu.Unlock()
		return
	}
	cm.lastNotified = connected
	list := make([]func(bool), len(cm.statusList))
	copy(list, cm.statusList)
	cm.statusMu.Unlock()

	for _, fn := range list {
		fn(connected)
	}
}
