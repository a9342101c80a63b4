package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"JadeChat/global/config"

	"github.com/pkg/errors"
)

// HTTPMessageAPI talks to the gateway's request/response endpoints:
//
//	GET  {base}/conversations/{id}/messages?limit=&after=
//	POST {base}/conversations/{id}/messages
//	POST {base}/conversations/{id}/read
//
// All requests carry the session's bearer token.
type HTTPMessageAPI struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPMessageAPI(conf config.SyncConfig, base, token string) *HTTPMessageAPI {
	conf.Norm()
	return &HTTPMessageAPI{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: conf.RequestTimeout},
	}
}

func (a *HTTPMessageAPI) FetchMessages(ctx context.Context, conversationID string, opts FetchOpts) ([]Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.After.IsZero() {
		q.Set("after", opts.After.UTC().Format(time.RFC3339Nano))
	}
	u := fmt.Sprintf("%s/conversations/%s/messages?%s", a.base, url.PathEscape(conversationID), q.Encode())

	var out []Message
	if err := a.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "fetch messages %s", conversationID)
	}
	return out, nil
}

func (a *HTTPMessageAPI) SendMessage(ctx context.Context, conversationID, content string, attachments []Attachment) (Message, error) {
	u := fmt.Sprintf("%s/conversations/%s/messages", a.base, url.PathEscape(conversationID))
	body := map[string]any{"content": content}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}

	var out Message
	if err := a.do(ctx, http.MethodPost, u, body, &out); err != nil {
		return Message{}, errors.Wrapf(err, "send message %s", conversationID)
	}
	return out, nil
}

func (a *HTTPMessageAPI) MarkRead(ctx context.Context, conversationID string) (ReadReceipt, error) {
	u := fmt.Sprintf("%s/conversations/%s/read", a.base, url.PathEscape(conversationID))

	var out ReadReceipt
	if err := a.do(ctx, http.MethodPost, u, nil, &out); err != nil {
		return ReadReceipt{}, errors.Wrapf(err, "mark read %s", conversationID)
	}
	return out, nil
}

func (a *HTTPMessageAPI) do(ctx context.Context, method, u string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
