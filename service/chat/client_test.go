package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"JadeChat/tools/errs"
)

func newTestSession(t *testing.T) (*Session, *fakeAPI, *fakeGateway) {
	t.Helper()
	api := newFakeAPI()
	gw := newFakeGateway()
	s := NewSession(testConf(), Deps{
		API:        api,
		Gateway:    gw,
		Creds:      Credentials{UserID: "vendor-1", Token: "t"},
		SenderType: "vendor",
	})
	t.Cleanup(s.Close)
	return s, api, gw
}

func TestSessionAcquireSeedsAndSubscribes(t *testing.T) {
	s, api, gw := newTestSession(t)
	api.addHistory("c1",
		confirmed("m-1", "c1", "guest-1", "hi", at(1)),
		confirmed("m-2", "c1", "guest-1", "anyone?", at(2)),
	)

	s.AcquireConversation("c1")
	require.Eventually(t, func() bool {
		return s.ConnectionStatus() && len(s.Log("c1")) == 2
	}, time.Second, 5*time.Millisecond)

	_, subs, _ := gw.stats("c1")
	assert.Equal(t, 1, subs)
	errored, _ := s.LogErrored("c1")
	assert.False(t, errored)
}

func TestSessionRoutesPushesThroughThePump(t *testing.T) {
	s, api, gw := newTestSession(t)
	api.addHistory("c1", confirmed("m-1", "c1", "guest-1", "hi", at(1)))

	s.AcquireConversation("c1")
	require.Eventually(t, func() bool { return len(s.Log("c1")) == 1 }, time.Second, 5*time.Millisecond)

	gw.push(confirmed("m-2", "c1", "guest-1", "you there?", at(2)))
	require.Eventually(t, func() bool { return len(s.Log("c1")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.UnreadCount("c1"))

	// A push for a conversation nobody holds is dropped.
	gw.push(confirmed("m-3", "c-other", "guest-1", "noise", at(3)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Log("c-other"))
}

// The reconnect drill: drop the transport mid-session, push more history
// server-side, and watch the session resubscribe and close the gap without
// duplicating anything.
func TestSessionRecoversFromTransportDrop(t *testing.T) {
	s, api, gw := newTestSession(t)
	api.addHistory("c1", confirmed("m-1", "c1", "guest-1", "hi", at(1)))

	s.AcquireConversation("c1")
	require.Eventually(t, func() bool {
		return s.ConnectionStatus() && len(s.Log("c1")) == 1
	}, time.Second, 5*time.Millisecond)

	gw.dropConn()
	api.addHistory("c1",
		confirmed("m-2", "c1", "guest-1", "missed me?", at(2)),
		confirmed("m-3", "c1", "guest-1", "hello??", at(3)),
	)

	require.Eventually(t, func() bool {
		return s.ConnectionStatus() && len(s.Log("c1")) == 3
	}, 2*time.Second, 5*time.Millisecond)

	// The server redelivers one of the gap messages as a push; the merged
	// log must not grow.
	gw.push(confirmed("m-3", "c1", "guest-1", "hello??", at(3)))
	time.Sleep(30 * time.Millisecond)
	log := s.Log("c1")
	require.Len(t, log, 3)
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, []string{log[0].ID, log[1].ID, log[2].ID})

	_, subs, _ := gw.stats("c1")
	assert.Equal(t, 2, subs, "one subscribe per connected episode")
}

func TestSessionViewingDrivesReadsAndViewport(t *testing.T) {
	s, api, gw := newTestSession(t)

	s.AcquireConversation("c1")
	require.Eventually(t, s.ConnectionStatus, time.Second, 5*time.Millisecond)
	s.SetViewing("c1")

	gw.push(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	require.Eventually(t, func() bool { return len(s.Log("c1")) == 1 }, time.Second, 5*time.Millisecond)

	// Viewed conversation: no unread pile-up, mark-read goes out instead.
	assert.Equal(t, 0, s.UnreadCount("c1"))
	require.Eventually(t, func() bool {
		_, _, mark, _ := api.stats()
		return mark >= 1
	}, time.Second, 5*time.Millisecond)

	s.ClearViewing("c1")
	gw.push(confirmed("m-2", "c1", "guest-1", "gone?", at(2)))
	require.Eventually(t, func() bool { return s.UnreadCount("c1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionForceAutoScrollOverridesPinnedPosition(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.AcquireConversation("c1")
	require.Eventually(t, s.ConnectionStatus, time.Second, 5*time.Millisecond)
	s.SetViewing("c1")

	// Reader scrolled far up into history, the position is pinned.
	s.ReportScrollPosition(5000)
	assert.False(t, s.ShouldAutoScroll())

	// Jump-to-latest re-pins to the bottom.
	s.ForceAutoScroll()
	assert.True(t, s.ShouldAutoScroll())
}

func TestSessionScrollSignalOnIncomingWhileAtBottom(t *testing.T) {
	s, _, gw := newTestSession(t)

	scrolls := make(chan string, 8)
	s.OnScrollToNewest(func(conversationID string) { scrolls <- conversationID })

	s.AcquireConversation("c1")
	require.Eventually(t, s.ConnectionStatus, time.Second, 5*time.Millisecond)
	s.SetViewing("c1")

	gw.push(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	select {
	case id := <-scrolls:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("no scroll signal for at-bottom viewer")
	}

	// Reader scrolls up; new messages must not move the viewport.
	s.ReportScrollPosition(5000)
	gw.push(confirmed("m-2", "c1", "guest-1", "more", at(2)))
	require.Eventually(t, func() bool { return len(s.Log("c1")) == 2 }, time.Second, 5*time.Millisecond)
	select {
	case <-scrolls:
		t.Fatal("scroll signal while position is pinned")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, s.ShouldAutoScroll())
}

func TestSessionSendRoundTrip(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.AcquireConversation("c1")
	require.Eventually(t, s.ConnectionStatus, time.Second, 5*time.Millisecond)

	tempID, err := s.Send("c1", "hello from the session", nil)
	require.NoError(t, err)
	require.NotEmpty(t, tempID)

	require.Eventually(t, func() bool {
		log := s.Log("c1")
		return len(log) == 1 && log[0].State == StateConfirmed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello from the session", s.Log("c1")[0].Content)

	// Own send never bumps the own unread counter.
	assert.Equal(t, 0, s.UnreadCount("c1"))
}

func TestSessionSeedFailureSurfacesAndRetries(t *testing.T) {
	s, api, _ := newTestSession(t)
	api.setFetchErr(assert.AnError)

	s.AcquireConversation("c1")
	require.Eventually(t, func() bool {
		errored, err := s.LogErrored("c1")
		return errored && err != nil
	}, time.Second, 5*time.Millisecond)

	api.setFetchErr(nil)
	api.addHistory("c1", confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	s.RetryFetch("c1")

	require.Eventually(t, func() bool {
		errored, _ := s.LogErrored("c1")
		return !errored && len(s.Log("c1")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSessionCloseIsTerminal(t *testing.T) {
	s, _, gw := newTestSession(t)

	s.AcquireConversation("c1")
	require.Eventually(t, s.ConnectionStatus, time.Second, 5*time.Millisecond)

	before := s.Log("c1")
	s.Close()
	s.Close() // idempotent
	assert.False(t, s.ConnectionStatus())

	// The log stays readable; newly pushed events no longer land.
	gw.push(confirmed("m-9", "c1", "guest-1", "late", at(9)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, len(before), len(s.Log("c1")))

	s.AcquireConversation("c2")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.ConnectionStatus())

	_, err := s.Send("c1", "too late", nil)
	require.Error(t, err)
	assert.True(t, errs.ErrClosed.Is(err))
}
