package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"JadeChat/global/config"
	"JadeChat/logger"
	"JadeChat/tools/errs"
	"JadeChat/tools/ids"
	"JadeChat/tools/safe"
)

// StageError reports a single attachment that failed to stage. Staging
// failures block the send independently of the message content.
type StageError struct {
	Index    int
	Filename string
	Err      error
}

func (e StageError) Error() string {
	return fmt.Sprintf("attachment %d (%s): %v", e.Index, e.Filename, e.Err)
}

type stageErrors []StageError

func (es stageErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return "staging failed: " + strings.Join(parts, "; ")
}

// SendPipeline performs optimistic sends: the draft lands in the log
// immediately in sending state, attachments are staged, the mutation is
// issued, and the draft is either replaced in place by the confirmed
// message or flagged failed with its content preserved. Never retried
// silently: a visible failure beats a silent duplicate.
type SendPipeline struct {
	conf        config.SyncConfig
	api         MessageAPI
	stager      AttachmentStager
	store       *MessageStore
	localUserID string
	senderType  string

	mu     sync.Mutex
	drafts map[string]*OutgoingDraft

	draftMu   sync.Mutex
	draftList []func(d OutgoingDraft)
}

func NewSendPipeline(conf config.SyncConfig, api MessageAPI, stager AttachmentStager, store *MessageStore, localUserID, senderType string) *SendPipeline {
	conf.Norm()
	return &SendPipeline{
		conf:        conf,
		api:         api,
		stager:      stager,
		store:       store,
		localUserID: localUserID,
		senderType:  senderType,
		drafts:      make(map[string]*OutgoingDraft),
	}
}

// OnDraft registers a listener for draft state transitions.
func (p *SendPipeline) OnDraft(fn func(d OutgoingDraft)) {
	p.draftMu.Lock()
	defer p.draftMu.Unlock()
	p.draftList = append(p.draftList, fn)
}

// Send submits a message. The optimistic entry is visible in the log before
// this returns; staging and the network round-trip happen asynchronously.
// Multiple drafts may be in flight for one conversation; final order is by
// confirmation timestamp, which may differ from submission order.
func (p *SendPipeline) Send(conversationID, content string, attachments []Attachment) (string, error) {
	if conversationID == "" {
		return "", errs.ErrSendFailed.WithDetail("empty conversation id")
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return "", errs.ErrSendFailed.WithDetail("empty message")
	}

	now := p.conf.Now()
	d := &OutgoingDraft{
		TempID:         ids.TempMessageID(),
		ConversationID: conversationID,
		Content:        content,
		Attachments:    attachments,
		Status:         DraftSending,
		SubmittedAt:    now,
	}
	p.mu.Lock()
	p.drafts[d.TempID] = d
	p.mu.Unlock()

	p.store.InsertDraft(Message{
		TempID:         d.TempID,
		ConversationID: conversationID,
		SenderType:     p.senderType,
		SenderID:       p.localUserID,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      now,
		State:          StatePending,
	})
	p.notify(*d)

	tempID := d.TempID
	safe.Go(func() { p.run(tempID) })
	return tempID, nil
}

// Retry re-issues a failed draft with its preserved content. Explicit user
// action only.
func (p *SendPipeline) Retry(tempID string) error {
	p.mu.Lock()
	d, ok := p.drafts[tempID]
	if !ok || d.Status != DraftFailed {
		p.mu.Unlock()
		return errs.ErrSendFailed.WithDetail("no failed draft " + tempID)
	}
	d.Status = DraftSending
	d.Err = nil
	snapshot := *d
	p.mu.Unlock()

	p.store.InsertDraft(Message{
		TempID:         snapshot.TempID,
		ConversationID: snapshot.ConversationID,
		SenderType:     p.senderType,
		SenderID:       p.localUserID,
		Content:        snapshot.Content,
		Attachments:    snapshot.Attachments,
		CreatedAt:      snapshot.SubmittedAt,
		State:          StatePending,
	})
	p.notify(snapshot)
	safe.Go(func() { p.run(tempID) })
	return nil
}

// Discard drops a failed draft and its log entry.
func (p *SendPipeline) Discard(tempID string) {
	p.mu.Lock()
	d, ok := p.drafts[tempID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.drafts, tempID)
	conversationID := d.ConversationID
	p.mu.Unlock()

	p.store.RemoveDraft(conversationID, tempID)
}

// Draft returns a snapshot of one draft.
func (p *SendPipeline) Draft(tempID string) (OutgoingDraft, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.drafts[tempID]; ok {
		return *d, true
	}
	return OutgoingDraft{}, false
}

func (p *SendPipeline) run(tempID string) {
	p.mu.Lock()
	d, ok := p.drafts[tempID]
	if !ok {
		p.mu.Unlock()
		return
	}
	conversationID := d.ConversationID
	content := d.Content
	attachments := make([]Attachment, len(d.Attachments))
	copy(attachments, d.Attachments)
	p.mu.Unlock()

	staged, err := p.stage(attachments)
	if err != nil {
		p.fail(tempID, conversationID, errs.ErrStageAttachment.Wrap(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.conf.RequestTimeout)
	confirmed, err := p.api.SendMessage(ctx, conversationID, content, staged)
	cancel()
	if err != nil {
		p.fail(tempID, conversationID, errs.ErrSendFailed.Wrap(err))
		return
	}

	p.mu.Lock()
	if d, ok := p.drafts[tempID]; ok {
		d.Status = DraftSent
		d.Err = nil
	}
	// the draft ledger entry is done; the alias table covers late echoes
	delete(p.drafts, tempID)
	p.mu.Unlock()

	confirmed.State = StateConfirmed
	p.store.ConfirmDraft(conversationID, tempID, confirmed)
	p.notify(OutgoingDraft{
		TempID:         tempID,
		ConversationID: conversationID,
		Content:        content,
		Attachments:    staged,
		Status:         DraftSent,
	})
}

// stage assigns server-usable references to every attachment. All must
// stage; errors are collected per attachment.
func (p *SendPipeline) stage(attachments []Attachment) ([]Attachment, error) {
	if len(attachments) == 0 || p.stager == nil {
		return attachments, nil
	}
	staged := make([]Attachment, 0, len(attachments))
	var failures stageErrors
	for i, att := range attachments {
		ctx, cancel := context.WithTimeout(context.Background(), p.conf.RequestTimeout)
		out, err := p.stager.Stage(ctx, att)
		cancel()
		if err != nil {
			failures = append(failures, StageError{Index: i, Filename: att.Filename, Err: err})
			continue
		}
		staged = append(staged, out)
	}
	if len(failures) > 0 {
		return nil, failures
	}
	return staged, nil
}

func (p *SendPipeline) fail(tempID, conversationID string, cause error) {
	logger.Warnf("[send] draft %s failed: %v", tempID, cause)

	p.mu.Lock()
	var snapshot OutgoingDraft
	if d, ok := p.drafts[tempID]; ok {
		d.Status = DraftFailed
		d.Err = cause
		snapshot = *d
	} else {
		snapshot = OutgoingDraft{TempID: tempID, ConversationID: conversationID, Status: DraftFailed, Err: cause}
	}
	p.mu.Unlock()

	p.store.FailDraft(conversationID, tempID)
	p.notify(snapshot)
}

func (p *SendPipeline) notify(d OutgoingDraft) {
	p.draftMu.Lock()
	list := make([]func(OutgoingDraft), len(p.draftList))
	copy(list, p.draftList)
	p.draftMu.Unlock()

	for _, fn := range list {
		fn(d)
	}
}
