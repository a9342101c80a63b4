package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"JadeChat/global/config"

	"github.com/pkg/errors"
)

// fakeAPI is a scripted MessageAPI: an in-memory server history plus
// switchable failures and delays.
type fakeAPI struct {
	mu sync.Mutex

	history map[string][]Message

	fetchErr   error
	fetchDelay time.Duration
	fetchCalls int

	sendErr   error
	sendDelay time.Duration
	sendCalls int
	sendSeq   int
	sendClock func() time.Time

	markErr        error
	markDelay      time.Duration
	markCalls      int
	markInflight   int
	markMaxInflight int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]Message)}
}

func (a *fakeAPI) addHistory(conversationID string, msgs ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range msgs {
		msgs[i].ConversationID = conversationID
		msgs[i].State = StateConfirmed
	}
	a.history[conversationID] = append(a.history[conversationID], msgs...)
	sort.SliceStable(a.history[conversationID], func(i, j int) bool {
		return less(a.history[conversationID][i], a.history[conversationID][j])
	})
}

func (a *fakeAPI) FetchMessages(_ context.Context, conversationID string, opts FetchOpts) ([]Message, error) {
	a.mu.Lock()
	a.fetchCalls++
	err := a.fetchErr
	delay := a.fetchDelay
	var out []Message
	if err == nil {
		for _, m := range a.history[conversationID] {
			if opts.After.IsZero() || m.CreatedAt.After(opts.After) {
				out = append(out, m)
				if opts.Limit > 0 && len(out) == opts.Limit {
					break
				}
			}
		}
	}
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *fakeAPI) SendMessage(_ context.Context, conversationID, content string, attachments []Attachment) (Message, error) {
	a.mu.Lock()
	a.sendCalls++
	a.sendSeq++
	err := a.sendErr
	delay := a.sendDelay
	now := time.Now().UTC()
	if a.sendClock != nil {
		now = a.sendClock()
	}
	msg := Message{
		ID:             fmt.Sprintf("m-%d", a.sendSeq),
		ConversationID: conversationID,
		SenderType:     "vendor",
		SenderID:       "vendor-1",
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      now,
		State:          StateConfirmed,
	}
	if err == nil {
		a.history[conversationID] = append(a.history[conversationID], msg)
	}
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conversationID string) (ReadReceipt, error) {
	a.mu.Lock()
	a.markCalls++
	a.markInflight++
	if a.markInflight > a.markMaxInflight {
		a.markMaxInflight = a.markInflight
	}
	err := a.markErr
	delay := a.markDelay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	a.mu.Lock()
	a.markInflight--
	a.mu.Unlock()

	if err != nil {
		return ReadReceipt{}, err
	}
	return ReadReceipt{ConversationID: conversationID, UnreadCount: 0, ReadAt: time.Now().UTC()}, nil
}

func (a *fakeAPI) stats() (fetch, send, mark, markMax int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls, a.sendCalls, a.markCalls, a.markMaxInflight
}

func (a *fakeAPI) setFetchErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchErr = err
}

func (a *fakeAPI) setSendErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// fakeGateway is a controllable PushGateway: scripted dial outcomes,
// injectable pushes and a way to kill the connection out from under the
// manager.
type fakeGateway struct {
	mu sync.Mutex

	events   chan PushEvent
	closedCh chan error

	dialErrs  []error // consumed per dial, nil entries mean success
	dials     int
	connected bool

	subs   map[string]int
	unsubs map[string]int
	ops    []string // subscribe/unsubscribe writes in wire order
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events: make(chan PushEvent, 64),
		subs:   make(map[string]int),
		unsubs: make(map[string]int),
	}
}

func (g *fakeGateway) Dial(_ context.Context, _ Credentials) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dials++
	if len(g.dialErrs) > 0 {
		err := g.dialErrs[0]
		g.dialErrs = g.dialErrs[1:]
		if err != nil {
			return err
		}
	}
	g.connected = true
	g.closedCh = make(chan error, 1)
	return nil
}

func (g *fakeGateway) Subscribe(conversationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return errors.New("not connected")
	}
	g.subs[conversationID]++
	g.ops = append(g.ops, "sub:"+conversationID)
	return nil
}

func (g *fakeGateway) Unsubscribe(conversationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return errors.New("not connected")
	}
	g.unsubs[conversationID]++
	g.ops = append(g.ops, "unsub:"+conversationID)
	return nil
}

func (g *fakeGateway) Events() <-chan PushEvent { return g.events }

func (g *fakeGateway) Closed() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closedCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return g.closedCh
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

// push injects a message event as if the server fanned it out.
func (g *fakeGateway) push(msg Message) {
	m := msg
	g.events <- PushEvent{Type: EventMessage, ConversationID: msg.ConversationID, Message: &m}
}

// dropConn simulates an unexpected transport closure.
func (g *fakeGateway) dropConn() {
	g.mu.Lock()
	ch := g.closedCh
	g.connected = false
	g.mu.Unlock()
	if ch != nil {
		select {
		case ch <- errors.New("connection lost"):
		default:
		}
	}
}

func (g *fakeGateway) stats(conversationID string) (dials, subs, unsubs int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials, g.subs[conversationID], g.unsubs[conversationID]
}

func (g *fakeGateway) wireOps() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

// testConf builds a config with short intervals so reconnect behavior is
// observable without long sleeps.
func testConf() config.SyncConfig {
	c := config.SyncConfig{
		PageSize:         10,
		RequestTimeout:   2 * time.Second,
		HeartbeatTimeout: time.Hour, // watchdog off unless a test wants it
		PingInterval:     time.Hour,
		BackoffBase:      5 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		PendingBufferMax: 8,
	}
	c.Norm()
	return c
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 30, 12, 0, sec, 0, time.UTC)
}

func confirmed(id, conversationID, sender, content string, createdAt time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderType:     "spa",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      createdAt,
		State:          StateConfirmed,
	}
}
