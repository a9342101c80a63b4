package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/service/chat"
	"JadeChat/service/gateway"
	"JadeChat/tools/ids"
)

// Dev harness: starts the in-memory push gateway, logs a vendor session in
// and drives the sync core against it end to end.
func main() {
	ids.SetNodeID(1)
	conf := config.SyncConfigFromEnv()

	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}

	srv := gateway.NewServer([]byte(secret))
	srv.Seed("c-demo", []chat.Message{
		{
			ID:             "m-seed-1",
			ConversationID: "c-demo",
			SenderType:     "spa",
			SenderID:       "spa-1",
			Content:        "Hi, is the jade bracelet still available?",
			CreatedAt:      time.Now().Add(-time.Hour).UTC(),
			State:          chat.StateConfirmed,
		},
	})

	go func() {
		logger.Infof("[gateway] listening on %s", addr)
		if err := srv.Router().Run(addr); err != nil {
			logger.Errorf("gateway stopped: %v", err)
			os.Exit(1)
		}
	}()
	waitHealthy("http://" + addr)

	token, err := login("http://"+addr, "vendor-1")
	if err != nil {
		logger.Errorf("login failed: %v", err)
		os.Exit(1)
	}

	sess := chat.NewSession(conf, chat.Deps{
		API:        chat.NewHTTPMessageAPI(conf, "http://"+addr, token),
		Gateway:    chat.NewWSGateway(conf, "ws://"+addr+"/chat?token="+token),
		Creds:      chat.Credentials{UserID: "vendor-1", Token: token},
		SenderType: "vendor",
	})
	defer sess.Close()

	sess.OnStatus(func(connected bool) {
		logger.Infof("[demo] connected=%v", connected)
	})
	sess.OnLogUpdate(func(conversationID string) {
		for _, m := range sess.Log(conversationID) {
			logger.Infof("[demo] %-9s %-8s %s", m.State, m.SenderID, m.Content)
		}
	})

	sess.AcquireConversation("c-demo")
	sess.SetViewing("c-demo")

	if _, err := sess.Send("c-demo", "Yes, still in stock. Want me to hold it?", nil); err != nil {
		logger.Errorf("send: %v", err)
	}

	time.Sleep(2 * time.Second)
	logger.Infof("[demo] unread=%d autoscroll=%v", sess.UnreadCount("c-demo"), sess.ShouldAutoScroll())
}

func waitHealthy(base string) {
	for i := 0; i < 50; i++ {
		resp, err := http.Get(base + "/conversations/none/messages")
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func login(base, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(base+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
