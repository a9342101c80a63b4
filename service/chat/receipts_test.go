package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnreadIncrementsOnForeignPushOnly(t *testing.T) {
	api := newFakeAPI()
	r := NewReadTracker(testConf(), api, "vendor-1")

	r.OnPush(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	r.OnPush(confirmed("m-2", "c1", "guest-1", "anyone?", at(2)))
	assert.Equal(t, 2, r.Unread("c1"))

	// The local user's own messages never count against them.
	own := confirmed("m-3", "c1", "vendor-1", "here", at(3))
	r.OnPush(own)
	assert.Equal(t, 2, r.Unread("c1"))

	assert.Equal(t, 0, r.Unread("c-unknown"))
}

func TestMarkReadResetsImmediatelyAndDebouncesWire(t *testing.T) {
	api := newFakeAPI()
	api.markDelay = 50 * time.Millisecond
	r := NewReadTracker(testConf(), api, "vendor-1")

	r.OnPush(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	require.Equal(t, 1, r.Unread("c1"))

	// A burst of mark-read calls while one request is on the wire.
	for i := 0; i < 10; i++ {
		r.MarkRead("c1")
	}
	assert.Equal(t, 0, r.Unread("c1"), "counter reset is synchronous")

	require.Eventually(t, func() bool {
		_, _, mark, _ := api.stats()
		return mark >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	_, _, mark, markMax := api.stats()
	assert.LessOrEqual(t, mark, 2, "burst must coalesce into at most one re-invocation")
	assert.Equal(t, 1, markMax, "never more than one mark-read in flight")
	assert.Equal(t, 0, r.Unread("c1"))
}

func TestViewingConversationMarksInsteadOfCounting(t *testing.T) {
	api := newFakeAPI()
	r := NewReadTracker(testConf(), api, "vendor-1")

	r.SetViewing("c1", true)
	r.OnPush(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	r.OnPush(confirmed("m-2", "c1", "guest-1", "hello", at(2)))

	assert.Equal(t, 0, r.Unread("c1"))
	require.Eventually(t, func() bool {
		_, _, mark, _ := api.stats()
		return mark >= 1
	}, time.Second, 5*time.Millisecond)

	r.SetViewing("c1", false)
	r.OnPush(confirmed("m-3", "c1", "guest-1", "gone?", at(3)))
	assert.Equal(t, 1, r.Unread("c1"))
}

func TestConversationUpdatedDoesNotEchoWhenSettled(t *testing.T) {
	api := newFakeAPI()
	r := NewReadTracker(testConf(), api, "vendor-1")

	// Not viewing: the update is noted but no wire call is needed.
	r.OnConversationUpdated("c1")
	time.Sleep(20 * time.Millisecond)
	_, _, mark, _ := api.stats()
	assert.Equal(t, 0, mark)

	r.SetViewing("c1", true)
	require.Eventually(t, func() bool {
		_, _, mark, _ := api.stats()
		return mark >= 1
	}, time.Second, 5*time.Millisecond)

	// The gateway echoes every mark-read back as a conversation update;
	// with the counter already settled this must not ping-pong forever.
	for i := 0; i < 5; i++ {
		r.OnConversationUpdated("c1")
	}
	time.Sleep(50 * time.Millisecond)
	_, _, mark, _ = api.stats()
	assert.Equal(t, 1, mark)
}

func TestMarkReadFailureIsNonFatal(t *testing.T) {
	api := newFakeAPI()
	api.markErr = errors.New("503")
	r := NewReadTracker(testConf(), api, "vendor-1")

	r.OnPush(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	r.MarkRead("c1")

	require.Eventually(t, func() bool {
		_, _, mark, _ := api.stats()
		return mark >= 1
	}, time.Second, 5*time.Millisecond)

	// The local reset sticks; the server retry happens on the next view.
	assert.Equal(t, 0, r.Unread("c1"))
	r.OnPush(confirmed("m-2", "c1", "guest-1", "still there?", at(2)))
	assert.Equal(t, 1, r.Unread("c1"))
}

func TestUnreadNeverGoesNegative(t *testing.T) {
	api := newFakeAPI()
	r := NewReadTracker(testConf(), api, "vendor-1")

	for i := 0; i < 3; i++ {
		r.MarkRead("c1")
		require.Eventually(t, func() bool {
			_, _, mark, _ := api.stats()
			return mark >= i+1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, r.Unread("c1"))
	}
}

func TestUnreadChangeListenersFire(t *testing.T) {
	api := newFakeAPI()
	r := NewReadTracker(testConf(), api, "vendor-1")

	var mu sync.Mutex
	var seen []int
	r.OnChange(func(conversationID string, unread int) {
		mu.Lock()
		seen = append(seen, unread)
		mu.Unlock()
	})

	r.OnPush(confirmed("m-1", "c1", "guest-1", "hi", at(1)))
	r.OnPush(confirmed("m-2", "c1", "guest-1", "hello", at(2)))
	r.MarkRead("c1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 0}, seen[:3])
}
