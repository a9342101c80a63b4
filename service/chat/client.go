package chat

import (
	"sync"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/tools/errs"
	"JadeChat/tools/safe"
)

// Deps are the external collaborators a session is built on. API and
// Gateway are required; Stager may be nil when attachments are unused.
type Deps struct {
	API     MessageAPI
	Gateway PushGateway
	Stager  AttachmentStager
	Creds   Credentials
	// SenderType labels locally sent messages ("vendor" or "spa").
	SenderType string
}

// Session is the conversation sync core of one authenticated user: a
// single shared push connection, reference-counted subscriptions, merged
// per-conversation logs, read state, optimistic sends and the viewport
// policy, behind one facade. Everything is in-memory for the session
// lifetime; a cold start re-seeds from the fetch collaborator.
type Session struct {
	conf config.SyncConfig

	cm       *ConnManager
	mux      *SubscriptionMux
	store    *MessageStore
	reads    *ReadTracker
	sends    *SendPipeline
	viewport *ViewportPolicy

	gw PushGateway

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSession(conf config.SyncConfig, deps Deps) *Session {
	conf.Norm()
	safe.MustNotNil(deps.API, "deps.API")
	safe.MustNotNil(deps.Gateway, "deps.Gateway")

	cm := NewConnManager(conf, deps.Gateway, deps.Creds)
	mux := NewSubscriptionMux(cm, deps.Gateway)
	store := NewMessageStore(conf, deps.API)
	reads := NewReadTracker(conf, deps.API, deps.Creds.UserID)
	sends := NewSendPipeline(conf, deps.API, deps.Stager, store, deps.Creds.UserID, deps.SenderType)
	viewport := NewViewportPolicy(conf)

	mux.Bind(store, reads)
	store.SetRefsFunc(mux.Refs)
	store.OnUpdate(viewport.OnStoreUpdate)
	cm.SetOnUp(mux.OnUp)

	s := &Session{
		conf:     conf,
		cm:       cm,
		mux:      mux,
		store:    store,
		reads:    reads,
		sends:    sends,
		viewport: viewport,
		gw:       deps.Gateway,
		stopCh:   make(chan struct{}),
	}
	safe.Go(s.pump)
	return s
}

// pump is the single dispatcher: it drains the push channel and routes by
// conversation id. A malformed event is dropped inside Dispatch; nothing
// here may kill the loop.
func (s *Session) pump() {
	events := s.gw.Events()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.mux.Dispatch(ev)
		}
	}
}

// AcquireConversation registers interest: the push connection is brought
// up on first use, the wire subscription is ensured and the log is seeded.
func (s *Session) AcquireConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	s.cm.Connect()
	s.mux.Acquire(conversationID)
	s.store.EnsureLog(conversationID)
}

func (s *Session) ReleaseConversation(conversationID string) {
	s.mux.Release(conversationID)
}

// Log returns the ordered, deduplicated snapshot of a conversation.
func (s *Session) Log(conversationID string) []Message {
	return s.store.Log(conversationID)
}

// LogErrored reports a failed seed; the consumer renders a retry
// affordance and calls RetryFetch.
func (s *Session) LogErrored(conversationID string) (bool, error) {
	return s.store.Errored(conversationID)
}

func (s *Session) RetryFetch(conversationID string) {
	s.store.Retry(conversationID)
}

func (s *Session) UnreadCount(conversationID string) int {
	return s.reads.Unread(conversationID)
}

func (s *Session) MarkAsRead(conversationID string) {
	s.reads.MarkRead(conversationID)
}

// SetViewing declares which conversation is on screen. It feeds both the
// read tracker (view => mark as read) and the viewport policy.
func (s *Session) SetViewing(conversationID string) {
	s.viewport.SetViewing(conversationID)
	if conversationID != "" {
		s.store.MarkViewed(conversationID)
		s.reads.SetViewing(conversationID, true)
	}
}

func (s *Session) ClearViewing(conversationID string) {
	s.reads.SetViewing(conversationID, false)
	s.viewport.SetViewing("")
}

// Send submits a message optimistically; see SendPipeline. Sending after
// Close fails outright, there is no connection left to confirm on.
func (s *Session) Send(conversationID, content string, attachments []Attachment) (string, error) {
	select {
	case <-s.stopCh:
		return "", errs.ErrClosed.WithDetail("send to " + conversationID)
	default:
	}
	return s.sends.Send(conversationID, content, attachments)
}

func (s *Session) RetrySend(tempID string) error { return s.sends.Retry(tempID) }
func (s *Session) DiscardSend(tempID string)     { s.sends.Discard(tempID) }

func (s *Session) ReportScrollPosition(distanceFromBottom float64) {
	s.viewport.ReportScrollPosition(distanceFromBottom)
}

func (s *Session) ShouldAutoScroll() bool { return s.viewport.ShouldAutoScroll() }

// ForceAutoScroll re-pins the viewed conversation to the newest message,
// the jump-to-latest action, regardless of scroll position.
func (s *Session) ForceAutoScroll() { s.viewport.ForceAutoScroll() }

// ConnectionStatus is the connectivity indicator for UI display.
func (s *Session) ConnectionStatus() bool { return s.cm.Connected() }

// OnStatus registers a connectivity listener (edges only).
func (s *Session) OnStatus(fn func(connected bool)) { s.cm.OnStatus(fn) }

// OnLogUpdate registers a listener for log changes of any conversation.
func (s *Session) OnLogUpdate(fn func(conversationID string)) { s.store.OnUpdate(fn) }

// OnUnreadChange registers a listener for unread counter movements.
func (s *Session) OnUnreadChange(fn func(conversationID string, unread int)) {
	s.reads.OnChange(fn)
}

// OnScrollToNewest registers the advisory scroll signal.
func (s *Session) OnScrollToNewest(fn func(conversationID string)) {
	s.viewport.OnScrollToNewest(fn)
}

// OnDraft registers a listener for outgoing draft transitions.
func (s *Session) OnDraft(fn func(d OutgoingDraft)) { s.sends.OnDraft(fn) }

// Close tears the session down: terminal disconnect, subscriptions dropped
// client-side. Logs and counters stay readable but no longer update.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cm.Disconnect()
		logger.Info("[session] closed")
	})
}
