package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/tools/errs"
	"JadeChat/tools/safe"
)

// maxGapFillPages bounds one gap-fill episode; anything beyond this is
// picked up by the next reconnect cycle.
const maxGapFillPages = 10

type aliasEntry struct {
	id      string
	addedAt time.Time
}

// conversationLog holds one conversation's merged message sequence,
// ordered by (CreatedAt, id).
type conversationLog struct {
	msgs      []Message
	seen      map[string]bool       // server ids already merged
	aliases   map[string]aliasEntry // tempId -> server id, TTL-evicted
	highWater time.Time             // newest confirmed CreatedAt, gap-fill cursor

	seeded     bool
	seeding    bool
	filling    bool
	errored    bool
	lastErr    error
	pendingBuf []Message // pushes held while the log is errored
	overflowed bool      // buffer lost events; refetch instead of trusting it

	lastViewedAt time.Time
}

// MessageStore merges the three delivery paths (seed fetch, push,
// gap-fill) into per-conversation logs. The merge is idempotent keyed by
// server id, with a tempId alias table bridging optimistic sends to their
// confirmations. Consumers only ever receive snapshots.
type MessageStore struct {
	conf config.SyncConfig
	api  MessageAPI
	refs func(conversationID string) int

	mu   sync.Mutex
	logs map[string]*conversationLog

	updateMu   sync.Mutex
	updateList []func(conversationID string)
}

func NewMessageStore(conf config.SyncConfig, api MessageAPI) *MessageStore {
	conf.Norm()
	return &MessageStore{
		conf: conf,
		api:  api,
		logs: make(map[string]*conversationLog),
	}
}

// SetRefsFunc injects the reference-count lookup used for apply-time
// guards: a fetch completing after the conversation was released is
// discarded, not applied.
func (s *MessageStore) SetRefsFunc(fn func(conversationID string) int) {
	s.refs = fn
}

// OnUpdate registers a listener invoked after every visible change of a
// conversation's log.
func (s *MessageStore) OnUpdate(fn func(conversationID string)) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.updateList = append(s.updateList, fn)
}

// EnsureLog creates the conversation's log on first acquisition and kicks
// off the seeding fetch.
func (s *MessageStore) EnsureLog(conversationID string) {
	s.mu.Lock()
	l := s.logs[conversationID]
	if l == nil {
		l = newConversationLog()
		s.logs[conversationID] = l
	}
	start := !l.seeded && !l.seeding
	if start {
		l.seeding = true
	}
	s.mu.Unlock()

	if start {
		safe.Go(func() { s.seed(conversationID) })
	}
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		seen:    make(map[string]bool),
		aliases: make(map[string]aliasEntry),
	}
}

func (s *MessageStore) referenced(conversationID string) bool {
	if s.refs == nil {
		return true
	}
	return s.refs(conversationID) > 0
}

func (s *MessageStore) seed(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.RequestTimeout)
	msgs, err := s.api.FetchMessages(ctx, conversationID, FetchOpts{Limit: s.conf.PageSize})
	cancel()

	s.mu.Lock()
	l := s.logs[conversationID]
	if l == nil {
		s.mu.Unlock()
		return
	}
	l.seeding = false
	if !s.referenced(conversationID) {
		// released while the fetch was in flight; result is discarded
		s.mu.Unlock()
		return
	}
	if err != nil {
		l.errored = true
		l.lastErr = errs.ErrSeedFailed.WithDetail(conversationID).Wrap(err)
		s.mu.Unlock()
		logger.Warnf("[store] seed %s failed: %v", conversationID, err)
		s.notify(conversationID)
		return
	}

	l.errored = false
	l.lastErr = nil
	l.seeded = true
	for _, m := range msgs {
		m.State = StateConfirmed
		s.insertLocked(l, m)
	}

	fill := false
	if l.overflowed {
		// the buffer lost events, so it cannot be trusted; refetch the
		// window above the high-water mark instead
		l.pendingBuf = nil
		l.overflowed = false
		fill = !l.filling
		if fill {
			l.filling = true
		}
	} else {
		for _, m := range l.pendingBuf {
			s.insertLocked(l, m)
		}
		l.pendingBuf = nil
	}
	after := l.highWater
	s.mu.Unlock()

	s.notify(conversationID)
	if fill {
		safe.Go(func() { s.gapFill(conversationID, after) })
	}
}

// Retry re-runs a failed seeding fetch. No-op unless the log is errored.
func (s *MessageStore) Retry(conversationID string) {
	s.mu.Lock()
	l := s.logs[conversationID]
	start := l != nil && l.errored && !l.seeding
	if start {
		l.seeding = true
	}
	s.mu.Unlock()

	if start {
		safe.Go(func() { s.seed(conversationID) })
	}
}

// ApplyPush merges one pushed message. Duplicates (push + refetch, or
// re-delivery after reconnect) are dropped by id; pushes arriving while
// the log is errored are buffered, bounded by PendingBufferMax.
func (s *MessageStore) ApplyPush(msg Message) {
	s.mu.Lock()
	l := s.logs[msg.ConversationID]
	if l == nil {
		s.mu.Unlock()
		return
	}
	if l.errored && !l.seeded {
		l.pendingBuf = append(l.pendingBuf, msg)
		forceSeed := false
		if len(l.pendingBuf) > s.conf.PendingBufferMax {
			l.pendingBuf = l.pendingBuf[1:]
			l.overflowed = true
			if !l.seeding {
				l.seeding = true
				forceSeed = true
			}
		}
		conversationID := msg.ConversationID
		s.mu.Unlock()
		if forceSeed {
			safe.Go(func() { s.seed(conversationID) })
		}
		return
	}
	changed := s.insertLocked(l, msg)
	s.mu.Unlock()

	if changed {
		s.notify(msg.ConversationID)
	}
}

// insertLocked merges one message into the sorted log. Returns false when
// the message was already present. A confirmed message that still carries
// the temp id of a local draft retires that draft (server echo of an
// optimistic send racing its own confirmation response).
func (s *MessageStore) insertLocked(l *conversationLog, m Message) bool {
	if m.ID != "" {
		if l.seen[m.ID] {
			return false
		}
		if m.TempID != "" {
			if idx := l.indexOfKey(m.TempID); idx >= 0 {
				l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)
				l.aliases[m.TempID] = aliasEntry{id: m.ID, addedAt: s.conf.Now()}
			}
		}
		l.seen[m.ID] = true
		if m.CreatedAt.After(l.highWater) {
			l.highWater = m.CreatedAt
		}
	} else if idx := l.indexOfKey(m.TempID); idx >= 0 {
		// draft re-entering the pipeline (retry); update in place
		l.msgs[idx] = m
		return true
	}
	i := sort.Search(len(l.msgs), func(i int) bool { return !less(l.msgs[i], m) })
	l.msgs = append(l.msgs, Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	s.evictAliasesLocked(l)
	return true
}

func (l *conversationLog) indexOfKey(key string) int {
	for i := range l.msgs {
		if l.msgs[i].Key() == key {
			return i
		}
	}
	return -1
}

func (s *MessageStore) evictAliasesLocked(l *conversationLog) {
	cutoff := s.conf.Now().Add(-s.conf.TempIDRetention)
	for k, v := range l.aliases {
		if v.addedAt.Before(cutoff) {
			delete(l.aliases, k)
		}
	}
}

// InsertDraft places an optimistic outgoing entry into the log. The log is
// created lazily; sending into a conversation that was never fetched is
// legal.
func (s *MessageStore) InsertDraft(msg Message) {
	s.mu.Lock()
	l := s.logs[msg.ConversationID]
	if l == nil {
		l = newConversationLog()
		s.logs[msg.ConversationID] = l
	}
	s.insertLocked(l, msg)
	s.mu.Unlock()

	s.notify(msg.ConversationID)
}

// ConfirmDraft replaces a pending draft with its server-confirmed form and
// records the tempId -> id alias so a late push echo of the same send is
// recognized and dropped.
func (s *MessageStore) ConfirmDraft(conversationID, tempID string, confirmed Message) {
	s.mu.Lock()
	l := s.logs[conversationID]
	if l == nil {
		s.mu.Unlock()
		return
	}
	l.aliases[tempID] = aliasEntry{id: confirmed.ID, addedAt: s.conf.Now()}
	if idx := l.indexOfKey(tempID); idx >= 0 {
		l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)
	}
	if !l.seen[confirmed.ID] {
		confirmed.TempID = tempID
		confirmed.State = StateConfirmed
		confirmed.ConversationID = conversationID
		s.insertLocked(l, confirmed)
	}
	s.mu.Unlock()

	s.notify(conversationID)
}

// FailDraft flags a draft as failed in place; content stays visible for
// retry or discard.
func (s *MessageStore) FailDraft(conversationID, tempID string) {
	s.mu.Lock()
	l := s.logs[conversationID]
	changed := false
	if l != nil {
		if idx := l.indexOfKey(tempID); idx >= 0 {
			l.msgs[idx].State = StateFailed
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(conversationID)
	}
}

// RemoveDraft drops a draft entry entirely (user discarded a failed send).
func (s *MessageStore) RemoveDraft(conversationID, tempID string) {
	s.mu.Lock()
	l := s.logs[conversationID]
	changed := false
	if l != nil {
		if idx := l.indexOfKey(tempID); idx >= 0 {
			l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(conversationID)
	}
}

// GapFill refetches everything above the high-water mark after a reconnect
// window in which pushes may have been lost. On an errored log it retries
// the seed instead.
func (s *MessageStore) GapFill(conversationID string) {
	s.mu.Lock()
	l := s.logs[conversationID]
	if l == nil {
		s.mu.Unlock()
		return
	}
	if !l.seeded {
		s.mu.Unlock()
		s.Retry(conversationID)
		return
	}
	if l.filling {
		s.mu.Unlock()
		return
	}
	l.filling = true
	after := l.highWater
	s.mu.Unlock()

	safe.Go(func() { s.gapFill(conversationID, after) })
}

func (s *MessageStore) gapFill(conversationID string, after time.Time) {
	var merged bool
	cursor := after
	for page := 0; page < maxGapFillPages; page++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.conf.RequestTimeout)
		msgs, err := s.api.FetchMessages(ctx, conversationID, FetchOpts{Limit: s.conf.PageSize, After: cursor})
		cancel()
		if err != nil {
			// the log stays usable; the next reconnect repairs the rest
			logger.Warnf("[store] gap-fill %s: %v", conversationID, err)
			break
		}

		s.mu.Lock()
		l := s.logs[conversationID]
		if l == nil || !s.referenced(conversationID) {
			if l != nil {
				l.filling = false
			}
			s.mu.Unlock()
			return
		}
		for _, m := range msgs {
			m.State = StateConfirmed
			if s.insertLocked(l, m) {
				merged = true
			}
		}
		cursor = l.highWater
		s.mu.Unlock()

		if len(msgs) < s.conf.PageSize {
			break
		}
	}

	s.mu.Lock()
	if l := s.logs[conversationID]; l != nil {
		l.filling = false
	}
	s.mu.Unlock()

	if merged {
		s.notify(conversationID)
	}
}

// Log returns an ordered snapshot of the conversation's merged sequence.
func (s *MessageStore) Log(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[conversationID]
	if l == nil {
		return nil
	}
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Errored reports whether the conversation's seeding fetch failed; the
// consumer renders a retry affordance off this.
func (s *MessageStore) Errored(conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[conversationID]
	if l == nil {
		return false, nil
	}
	return l.errored, l.lastErr
}

// MarkViewed stamps the conversation as looked at now.
func (s *MessageStore) MarkViewed(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.logs[conversationID]; l != nil {
		l.lastViewedAt = s.conf.Now()
	}
}

// CountSinceViewed is the derived "new since last looked" value. It is a
// view aid only; authoritative unread lives in the ReadTracker.
func (s *MessageStore) CountSinceViewed(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[conversationID]
	if l == nil {
		return 0
	}
	n := 0
	for i := range l.msgs {
		if l.msgs[i].CreatedAt.After(l.lastViewedAt) {
			n++
		}
	}
	return n
}

// HighWater exposes the gap-fill cursor.
func (s *MessageStore) HighWater(conversationID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.logs[conversationID]; l != nil {
		return l.highWater
	}
	return time.Time{}
}

// AliasFor resolves a temp id to its confirmed server id, when the mapping
// is still within its retention window.
func (s *MessageStore) AliasFor(conversationID, tempID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[conversationID]
	if l == nil {
		return "", false
	}
	e, ok := l.aliases[tempID]
	return e.id, ok
}

func (s *MessageStore) notify(conversationID string) {
	s.updateMu.Lock()
	list := make([]func(string), len(s.updateList))
	copy(list, s.updateList)
	s.updateMu.Unlock()

	for _, fn := range list {
		fn(conversationID)
	}
}
