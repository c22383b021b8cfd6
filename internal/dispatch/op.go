package dispatch

import (
	"context"
	"errors"

	"github.com/go-telegram/bot/models"
)

type Kind string

const (
	KindReply          Kind = "reply"
	KindEditText       Kind = "edit_text"
	KindDelete         Kind = "delete"
	KindForward        Kind = "forward"
	KindAnswerCallback Kind = "answer_callback"
	KindSendMessage    Kind = "send_message"
	KindSendPhoto      Kind = "send_photo"
	KindEditCaption    Kind = "edit_caption"
	KindEditMedia      Kind = "edit_media"
	KindPin            Kind = "pin"
	KindUnpin          Kind = "unpin"
)

type Priority int

const (
	High Priority = iota
	Low
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrStopped     = errors.New("dispatcher stopped")
	ErrUnknownKind = errors.New("unknown dispatch kind")
)

// Op is one outbound chat operation. Which fields matter depends on Kind:
// MessageID is the reply target for KindReply and the edited, deleted or
// pinned message for the others.
type Op struct {
	Kind        Kind
	ChatID      int64
	TopicID     int
	MessageID   int
	FromChatID  int64
	Text        string
	PhotoFileID string
	ParseMode   models.ParseMode
	Keyboard    *models.InlineKeyboardMarkup
	CallbackID  string
	ShowAlert   bool
	Silent      bool
}

// Result is resolved once the dispatcher has finished with an Op. Message is
// nil for operations that do not return one and for silently dropped items.
type Result struct {
	done chan struct{}
	msg  *models.Message
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Resolved returns a Result that is already done.
func Resolved(msg *models.Message, err error) *Result {
	r := newResult()
	r.resolve(msg, err)
	return r
}

func failed(err error) *Result {
	return Resolved(nil, err)
}

func (r *Result) resolve(msg *models.Message, err error) {
	r.msg = msg
	r.err = err
	close(r.done)
}

func (r *Result) Done() <-chan struct{} {
	return r.done
}

func (r *Result) Wait(ctx context.Context) (*models.Message, error) {
	select {
	case <-r.done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
