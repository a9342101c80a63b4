package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/tools/safe"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WSGateway is the gorilla-websocket implementation of PushGateway. One
// instance lives for the whole session and survives redials; the Events
// channel is shared across connections, Closed belongs to the most recent
// Dial.
type WSGateway struct {
	conf   config.SyncConfig
	url    string
	dialer *websocket.Dialer
	events chan PushEvent

	mu       sync.Mutex
	conn     *websocket.Conn
	closedCh chan error
	gen      uint64 // connection generation, guards pump/ping shutdown

	writeMu sync.Mutex
}

func NewWSGateway(conf config.SyncConfig, url string) *WSGateway {
	conf.Norm()
	return &WSGateway{
		conf:   conf,
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: conf.RequestTimeout},
		events: make(chan PushEvent, conf.SendQueueSize),
	}
}

// Dial opens the websocket, presents the session credentials and waits for
// the gateway's acknowledgment frame. On success the read pump and ping
// loop are running.
func (g *WSGateway) Dial(ctx context.Context, creds Credentials) error {
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	conn, resp, err := g.dialer.DialContext(ctx, g.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "dial push gateway")
	}

	conn.SetReadLimit(1 << 20) // 1MB
	_ = conn.SetReadDeadline(time.Now().Add(g.conf.RequestTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "await conn ack")
	}
	ack, err := DecodeFrame(data)
	if err != nil || ack.Type != FrameConnAck {
		_ = conn.Close()
		if err == nil {
			err = errors.Errorf("unexpected frame %q before ack", ack.Type)
		}
		return errors.Wrap(err, "bad conn ack")
	}

	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
	}
	g.conn = conn
	g.closedCh = make(chan error, 1)
	g.gen++
	gen := g.gen
	closedCh := g.closedCh
	g.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(g.conf.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(g.conf.HeartbeatTimeout))
		g.deliver(PushEvent{Type: EventKeepalive})
		return nil
	})

	safe.Go(func() { g.readPump(conn, gen, closedCh) })
	safe.Go(func() { g.pingLoop(conn, gen) })
	return nil
}

func (g *WSGateway) readPump(conn *websocket.Conn, gen uint64, closedCh chan error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.mu.Lock()
			if g.gen == gen && g.conn == conn {
				g.conn = nil
			}
			g.mu.Unlock()
			_ = conn.Close()
			select {
			case closedCh <- err:
			default:
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.conf.HeartbeatTimeout))

		f, err := DecodeFrame(data)
		if err != nil {
			// malformed payloads are dropped, never fatal
			logger.Debug("[ws] dropping undecodable frame: " + err.Error())
			continue
		}
		switch f.Type {
		case FrameMsg:
			if f.Message == nil {
				continue
			}
			g.deliver(PushEvent{Type: EventMessage, ConversationID: f.ConversationID, Message: f.Message})
		case FrameConv:
			g.deliver(PushEvent{Type: EventConversationUpdated, ConversationID: f.ConversationID})
		case FrameErr:
			logger.Warnf("[ws] gateway error frame: %s", f.Error)
		default:
			// includes keepalive-ish frames; inbound traffic already
			// proves liveness
			g.deliver(PushEvent{Type: EventKeepalive})
		}
	}
}

func (g *WSGateway) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(g.conf.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		g.mu.Lock()
		stale := g.gen != gen || g.conn != conn
		g.mu.Unlock()
		if stale {
			return
		}
		deadline := time.Now().Add(g.conf.WriteWait)
		if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
			logger.Debug("[ws] ping: " + err.Error())
			return
		}
	}
}

func (g *WSGateway) deliver(ev PushEvent) {
	select {
	case g.events <- ev:
	default:
		logger.Warnf("[ws] event channel full, dropping %s", ev.Type)
	}
}

func (g *WSGateway) Subscribe(conversationID string) error {
	return g.writeFrame(&WSFrame{Type: FrameSub, ConversationID: conversationID})
}

func (g *WSGateway) Unsubscribe(conversationID string) error {
	return g.writeFrame(&WSFrame{Type: FrameUnsub, ConversationID: conversationID})
}

func (g *WSGateway) writeFrame(f *WSFrame) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return errors.New("push gateway not connected")
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (g *WSGateway) Events() <-chan PushEvent { return g.events }

func (g *WSGateway) Closed() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closedCh == nil {
		// never dialed; a closed channel reads as an immediate nil
		ch := make(chan error)
		close(ch)
		return ch
	}
	return g.closedCh
}

func (g *WSGateway) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.gen++
	g.mu.Unlock()
	if conn == nil {
		return nil
	}

	g.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	g.writeMu.Unlock()
	return conn.Close()
}
