package chat

import (
	"context"
	"sync"
	"time"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/tools/safe"
)

type readState struct {
	unread     int
	lastReadAt time.Time
	inflight   bool // one mark-read request on the wire at most
	queued     bool // a call landed while one was in flight; re-invoke after it settles
}

// ReadTracker keeps the authoritative per-conversation unread counters and
// issues idempotent, debounced mark-as-read mutations. The counter is never
// derived from the (possibly partial) log; it is only adjusted
// optimistically between server reconciliations and can never go negative.
type ReadTracker struct {
	conf        config.SyncConfig
	api         MessageAPI
	localUserID string

	mu      sync.Mutex
	states  map[string]*readState
	viewing map[string]bool

	changeMu   sync.Mutex
	changeList []func(conversationID string, unread int)
}

func NewReadTracker(conf config.SyncConfig, api MessageAPI, localUserID string) *ReadTracker {
	conf.Norm()
	return &ReadTracker{
		conf:        conf,
		api:         api,
		localUserID: localUserID,
		states:      make(map[string]*readState),
		viewing:     make(map[string]bool),
	}
}

// OnChange registers a listener for unread counter movements.
func (r *ReadTracker) OnChange(fn func(conversationID string, unread int)) {
	r.changeMu.Lock()
	defer r.changeMu.Unlock()
	r.changeList = append(r.changeList, fn)
}

// SetViewing marks whether a consumer is actively looking at the
// conversation. Pushes into a viewed conversation don't pile up as unread;
// they trigger a mark-as-read instead.
func (r *ReadTracker) SetViewing(conversationID string, viewing bool) {
	r.mu.Lock()
	if viewing {
		r.viewing[conversationID] = true
	} else {
		delete(r.viewing, conversationID)
	}
	r.mu.Unlock()

	if viewing {
		r.MarkRead(conversationID)
	}
}

// Unread returns the authoritative counter.
func (r *ReadTracker) Unread(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.states[conversationID]; st != nil {
		return st.unread
	}
	return 0
}

// OnPush adjusts the counter for one pushed message. Messages authored by
// the local user never increment their own counter.
func (r *ReadTracker) OnPush(msg Message) {
	if msg.SenderID == r.localUserID {
		return
	}
	r.mu.Lock()
	if r.viewing[msg.ConversationID] {
		r.mu.Unlock()
		r.MarkRead(msg.ConversationID)
		return
	}
	st := r.stateLocked(msg.ConversationID)
	st.unread++
	unread := st.unread
	r.mu.Unlock()

	r.notify(msg.ConversationID, unread)
}

// OnConversationUpdated handles a conversation-level push (typically a
// cross-device read). There is no payload to reconcile against, so while
// the conversation is being viewed with something left to settle we resync
// by re-issuing mark-as-read; otherwise the next view settles it. A settled
// counter stays quiet, since the gateway echoes every mark-read back as a
// conversation update. Last server write wins.
func (r *ReadTracker) OnConversationUpdated(conversationID string) {
	r.mu.Lock()
	st := r.states[conversationID]
	resync := r.viewing[conversationID] && st != nil && st.unread != 0
	r.mu.Unlock()
	if resync {
		r.MarkRead(conversationID)
	}
}

// MarkRead resets the local counter and issues the server mutation.
// Repeated calls at zero are client-side no-ops but still reach the server
// (it is the cross-device source of truth), debounced to a single in-flight
// request; callers landing mid-flight coalesce into one re-invocation after
// the current request settles.
func (r *ReadTracker) MarkRead(conversationID string) {
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	st := r.stateLocked(conversationID)
	changed := st.unread != 0
	st.unread = 0
	if st.inflight {
		st.queued = true
		r.mu.Unlock()
		if changed {
			r.notify(conversationID, 0)
		}
		return
	}
	st.inflight = true
	r.mu.Unlock()

	if changed {
		r.notify(conversationID, 0)
	}
	safe.Go(func() { r.issue(conversationID) })
}

func (r *ReadTracker) issue(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.RequestTimeout)
	rec, err := r.api.MarkRead(ctx, conversationID)
	cancel()

	r.mu.Lock()
	st := r.stateLocked(conversationID)
	st.inflight = false
	rerun := st.queued
	st.queued = false
	var unread int
	notify := false
	if err == nil {
		unread = rec.UnreadCount
		if unread < 0 {
			unread = 0
		}
		notify = st.unread != unread
		st.unread = unread
		st.lastReadAt = r.conf.Now()
	}
	r.mu.Unlock()

	if err != nil {
		// non-fatal: safe to retry on next view
		logger.Warnf("[reads] mark-read %s: %v", conversationID, err)
	} else if notify {
		r.notify(conversationID, unread)
	}
	if rerun {
		r.MarkRead(conversationID)
	}
}

func (r *ReadTracker) stateLocked(conversationID string) *readState {
	st := r.states[conversationID]
	if st == nil {
		st = &readState{}
		r.states[conversationID] = st
	}
	return st
}

func (r *ReadTracker) notify(conversationID string, unread int) {
	r.changeMu.Lock()
	list := make([]func(string, int), len(r.changeList))
	copy(list, r.changeList)
	r.changeMu.Unlock()

	for _, fn := range list {
		fn(conversationID, unread)
	}
}
