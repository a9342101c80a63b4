package chat

import (
	"sync"

	"JadeChat/logger"
	"JadeChat/tools/safe"
)

// SubscriptionMux maps conversation interest onto the single push
// connection. refs is what consumers want, wired is what the server last
// heard. Wire writes are serialized and re-read the desired state right
// before writing, so a release racing a re-acquire (a view remount) can
// never strand a still-referenced conversation unsubscribed.
type SubscriptionMux struct {
	cm *ConnManager
	gw PushGateway

	mu    sync.Mutex
	refs  map[string]int
	wired map[string]bool // subscriptions the server currently holds

	opMu sync.Mutex // serializes subscribe/unsubscribe wire writes

	store *MessageStore
	reads *ReadTracker
}

func NewSubscriptionMux(cm *ConnManager, gw PushGateway) *SubscriptionMux {
	return &SubscriptionMux{
		cm:    cm,
		gw:    gw,
		refs:  make(map[string]int),
		wired: make(map[string]bool),
	}
}

// Bind wires the dispatch targets. Must be called before any event flows.
func (x *SubscriptionMux) Bind(store *MessageStore, reads *ReadTracker) {
	x.store = store
	x.reads = reads
}

// Acquire registers interest in a conversation. The first reference
// reconciles the wire subscription; while disconnected that settles on the
// next Connected edge instead.
func (x *SubscriptionMux) Acquire(conversationID string) {
	if conversationID == "" {
		return
	}
	x.mu.Lock()
	x.refs[conversationID]++
	first := x.refs[conversationID] == 1
	x.mu.Unlock()

	if first {
		x.reconcile(conversationID)
	}
}

// Release drops one reference. At zero the wire subscription is torn down
// best-effort; a failed unsubscribe is non-fatal since the server-side
// entry expires on its own.
func (x *SubscriptionMux) Release(conversationID string) {
	x.mu.Lock()
	n, ok := x.refs[conversationID]
	if !ok {
		x.mu.Unlock()
		return
	}
	n--
	last := n <= 0
	if last {
		delete(x.refs, conversationID)
	} else {
		x.refs[conversationID] = n
	}
	x.mu.Unlock()

	if last {
		safe.Go(func() { x.reconcile(conversationID) })
	}
}

// Refs reports the current reference count. Async completions consult it
// at apply time so results for released conversations are discarded.
func (x *SubscriptionMux) Refs(conversationID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.refs[conversationID]
}

// reconcile settles the server-side subscription to the current desired
// state. Wire writes are serialized, and the desired state is read under
// the lock immediately before each write, so a stale teardown can never
// undo a newer acquire.
func (x *SubscriptionMux) reconcile(conversationID string) {
	x.opMu.Lock()
	defer x.opMu.Unlock()

	x.mu.Lock()
	want := x.refs[conversationID] > 0
	have := x.wired[conversationID]
	connected := x.cm.Connected()
	x.mu.Unlock()

	if !connected || want == have {
		// nothing to write, or the next Connected edge settles it
		return
	}
	if want {
		if err := x.gw.Subscribe(conversationID); err != nil {
			// retried on the next Connected edge
			logger.Warnf("[mux] subscribe %s: %v", conversationID, err)
			return
		}
		x.mu.Lock()
		x.wired[conversationID] = true
		x.mu.Unlock()
		return
	}

	if err := x.gw.Unsubscribe(conversationID); err != nil {
		logger.Debug("[mux] unsubscribe " + conversationID + ": " + err.Error())
	}
	x.mu.Lock()
	delete(x.wired, conversationID)
	x.mu.Unlock()
}

// OnUp is the ConnManager hook. It reconciles every referenced
// conversation; after a reconnect the old connection's registrations are
// gone server-side, so everything is re-subscribed and gap-filled, because
// pushes during the outage were missed.
func (x *SubscriptionMux) OnUp(resumed bool) {
	x.mu.Lock()
	if resumed {
		x.wired = make(map[string]bool)
	}
	ids := make([]string, 0, len(x.refs))
	for id := range x.refs {
		ids = append(ids, id)
	}
	x.mu.Unlock()

	for _, id := range ids {
		x.reconcile(id)
		if resumed && x.store != nil {
			x.store.GapFill(id)
		}
	}
}

// Dispatch routes one push event by conversation id. Events for
// conversations with no current reference are dropped without error, as is
// anything malformed; the event loop must never die on bad input.
func (x *SubscriptionMux) Dispatch(ev PushEvent) {
	x.cm.NoteActivity()

	switch ev.Type {
	case EventKeepalive:
		return
	case EventMessage:
		if ev.ConversationID == "" || ev.Message == nil || ev.Message.ID == "" {
			logger.Debug("[mux] dropping malformed message event")
			return
		}
		if x.Refs(ev.ConversationID) == 0 {
			return
		}
		msg := *ev.Message
		msg.ConversationID = ev.ConversationID
		msg.State = StateConfirmed
		if x.store != nil {
			x.store.ApplyPush(msg)
		}
		if x.reads != nil {
			x.reads.OnPush(msg)
		}
	case EventConversationUpdated:
		if ev.ConversationID == "" || x.Refs(ev.ConversationID) == 0 {
			return
		}
		if x.reads != nil {
			x.reads.OnConversationUpdated(ev.ConversationID)
		}
	default:
		logger.Debug("[mux] dropping event of unknown type " + string(ev.Type))
	}
}
