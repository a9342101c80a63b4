// Package gateway is the development push gateway: a single-process stand-in
// for the production query/mutation API and push channel, speaking the same
// wire contract the sync core consumes. It backs the root harness and the
// end-to-end tests; it is not a production server.
package gateway

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"JadeChat/logger"
	"JadeChat/service/chat"
	"JadeChat/tools/safe"
	"JadeChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const sendQueueSize = 64

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Server keeps everything in memory: per-conversation history, per-user
// unread counters and the subscription table fanning pushes out by
// conversation id.
type Server struct {
	jwtOpts security.Options

	mu      sync.Mutex
	convs   map[string][]chat.Message
	unread  map[string]map[string]int // userID -> conversationID -> count
	subs    map[string]map[*wsClient]bool
	clients map[*wsClient]bool
}

func NewServer(secret []byte) *Server {
	return &Server{
		jwtOpts: security.DefaultOptions(secret),
		convs:   make(map[string][]chat.Message),
		unread:  make(map[string]map[string]int),
		subs:    make(map[string]map[*wsClient]bool),
		clients: make(map[*wsClient]bool),
	}
}

// Router builds the gin engine: login, the websocket endpoint and the
// token-guarded message endpoints.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors())

	r.POST("/login", s.handleLogin)
	r.GET("/chat", s.handleWS)

	auth := r.Group("/", s.authMiddleware())
	auth.GET("/conversations/:id/messages", s.handleFetch)
	auth.POST("/conversations/:id/messages", s.handleSend)
	auth.POST("/conversations/:id/read", s.handleMarkRead)
	return r
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	token, _, exp, err := security.Generate(s.jwtOpts, req.UserID, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	if s.unread[req.UserID] == nil {
		s.unread[req.UserID] = make(map[string]int)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := s.verifyBearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", userID)
	}
}

func (s *Server) verifyBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	claims, err := security.Verify(s.jwtOpts, header[len(prefix):], "")
	if err != nil {
		return "", false
	}
	userID := claims.UserID()
	return userID, userID != ""
}

// handleWS upgrades the connection, acknowledges it and serves subscribe /
// unsubscribe frames until the peer goes away.
func (s *Server) handleWS(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		header = "Bearer " + c.Query("token")
	}
	userID, ok := s.verifyBearer(header)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade: %v", err)
		return
	}

	cl := &wsClient{userID: userID, conn: conn, send: make(chan []byte, sendQueueSize)}
	s.mu.Lock()
	s.clients[cl] = true
	s.mu.Unlock()

	ack, _ := chat.EncodeFrame(&chat.WSFrame{Type: chat.FrameConnAck, UserID: userID})
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		s.dropClient(cl)
		return
	}

	safe.Go(func() { s.writePump(cl) })
	s.readLoop(cl)
}

func (s *Server) readLoop(cl *wsClient) {
	defer s.dropClient(cl)
	cl.conn.SetReadLimit(1 << 20)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := chat.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch f.Type {
		case chat.FrameSub:
			if f.ConversationID == "" {
				continue
			}
			s.mu.Lock()
			if s.subs[f.ConversationID] == nil {
				s.subs[f.ConversationID] = make(map[*wsClient]bool)
			}
			s.subs[f.ConversationID][cl] = true
			s.mu.Unlock()
		case chat.FrameUnsub:
			s.mu.Lock()
			delete(s.subs[f.ConversationID], cl)
			s.mu.Unlock()
		}
	}
}

func (s *Server) writePump(cl *wsClient) {
	for data := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.dropClient(cl)
			return
		}
	}
}

func (s *Server) dropClient(cl *wsClient) {
	s.mu.Lock()
	if !s.clients[cl] {
		s.mu.Unlock()
		return
	}
	delete(s.clients, cl)
	for _, set := range s.subs {
		delete(set, cl)
	}
	close(cl.send) // fanout only writes under s.mu, so this cannot race
	s.mu.Unlock()

	_ = cl.conn.Close()
}

func (s *Server) handleFetch(c *gin.Context) {
	conversationID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	var after time.Time
	if v := c.Query("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad after timestamp"})
			return
		}
		after = t
	}

	s.mu.Lock()
	all := s.convs[conversationID]
	out := make([]chat.Message, 0, limit)
	if after.IsZero() {
		// latest page
		start := len(all) - limit
		if start < 0 {
			start = 0
		}
		out = append(out, all[start:]...)
	} else {
		for _, m := range all {
			if m.CreatedAt.After(after) {
				out = append(out, m)
				if len(out) == limit {
					break
				}
			}
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSend(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.GetString("user_id")
	var req struct {
		Content     string            `json:"content"`
		Attachments []chat.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg := chat.Message{
		ID:             "m-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderType:     "user",
		SenderID:       userID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		CreatedAt:      time.Now().UTC(),
		State:          chat.StateConfirmed,
	}

	s.mu.Lock()
	s.convs[conversationID] = append(s.convs[conversationID], msg)
	sort.SliceStable(s.convs[conversationID], func(i, j int) bool {
		a, b := s.convs[conversationID][i], s.convs[conversationID][j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for user, counters := range s.unread {
		if user != userID {
			counters[conversationID]++
		}
	}
	s.mu.Unlock()

	s.fanout(conversationID, &chat.WSFrame{Type: chat.FrameMsg, ConversationID: conversationID, Message: &msg})
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.GetString("user_id")

	s.mu.Lock()
	if s.unread[userID] == nil {
		s.unread[userID] = make(map[string]int)
	}
	s.unread[userID][conversationID] = 0
	s.mu.Unlock()

	// let the user's other devices know the conversation changed
	s.fanoutToUser(userID, conversationID, &chat.WSFrame{Type: chat.FrameConv, ConversationID: conversationID})

	c.JSON(http.StatusOK, chat.ReadReceipt{
		ConversationID: conversationID,
		UnreadCount:    0,
		ReadAt:         time.Now().UTC(),
	})
}

func (s *Server) fanout(conversationID string, f *chat.WSFrame) {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.subs[conversationID] {
		select {
		case cl.send <- data:
		default:
			logger.Warnf("[gateway] send queue full, dropping frame for %s", cl.userID)
		}
	}
}

func (s *Server) fanoutToUser(userID, conversationID string, f *chat.WSFrame) {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.subs[conversationID] {
		if cl.userID != userID {
			continue
		}
		select {
		case cl.send <- data:
		default:
		}
	}
}

// Seed preloads history for the harness and tests.
func (s *Server) Seed(conversationID string, msgs []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conversationID] = append(s.convs[conversationID], msgs...)
	sort.SliceStable(s.convs[conversationID], func(i, j int) bool {
		a, b := s.convs[conversationID][i], s.convs[conversationID][j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Unread exposes a user's counter, for tests.
func (s *Server) Unread(userID, conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.unread[userID]; m != nil {
		return m[conversationID]
	}
	return 0
}
