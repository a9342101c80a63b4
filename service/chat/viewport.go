package chat

import (
	"math"
	"sync"

	"JadeChat/global/config"
)

// ViewportPolicy decides between auto-scrolling to the newest message and
// preserving the reader's position. It owns no network state and no
// rendering surface; the scroll signal is advisory.
type ViewportPolicy struct {
	conf config.SyncConfig

	mu         sync.Mutex
	autoScroll bool
	viewing    string // conversation currently on screen

	signalMu sync.Mutex
	onScroll []func(conversationID string)
}

func NewViewportPolicy(conf config.SyncConfig) *ViewportPolicy {
	conf.Norm()
	return &ViewportPolicy{conf: conf, autoScroll: true}
}

// OnScrollToNewest registers the advisory "scroll to newest" signal.
func (v *ViewportPolicy) OnScrollToNewest(fn func(conversationID string)) {
	v.signalMu.Lock()
	defer v.signalMu.Unlock()
	v.onScroll = append(v.onScroll, fn)
}

// SetViewing names the conversation currently rendered. Switching resets
// the policy to its default (stick to the bottom).
func (v *ViewportPolicy) SetViewing(conversationID string) {
	v.mu.Lock()
	if v.viewing != conversationID {
		v.viewing = conversationID
		v.autoScroll = true
	}
	v.mu.Unlock()
}

// ReportScrollPosition feeds the hosting view's scroll state in. Straying
// beyond the threshold from the bottom pins the position; coming back
// within it re-enables auto-scroll. Malformed reports are ignored.
func (v *ViewportPolicy) ReportScrollPosition(distanceFromBottom float64) {
	if distanceFromBottom < 0 || math.IsNaN(distanceFromBottom) || math.IsInf(distanceFromBottom, 0) {
		return
	}
	v.mu.Lock()
	v.autoScroll = distanceFromBottom <= v.conf.ScrollThreshold
	v.mu.Unlock()
}

// ForceAutoScroll is the explicit user action ("jump to latest").
func (v *ViewportPolicy) ForceAutoScroll() {
	v.mu.Lock()
	v.autoScroll = true
	v.mu.Unlock()
}

func (v *ViewportPolicy) ShouldAutoScroll() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.autoScroll
}

// OnStoreUpdate is wired to MessageStore updates; for the conversation in
// view with auto-scroll on, it emits the scroll signal.
func (v *ViewportPolicy) OnStoreUpdate(conversationID string) {
	v.mu.Lock()
	fire := v.viewing == conversationID && v.autoScroll
	v.mu.Unlock()
	if !fire {
		return
	}

	v.signalMu.Lock()
	list := make([]func(string), len(v.onScroll))
	copy(list, v.onScroll)
	v.signalMu.Unlock()

	for _, fn := range list {
		fn(conversationID)
	}
}
