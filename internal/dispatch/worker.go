package dispatch

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"hongbaobot/internal/logger"
	"hongbaobot/internal/metrics"
)

// API is the subset of *bot.Bot the dispatcher drives.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	ForwardMessage(ctx context.Context, params *bot.ForwardMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	EditMessageCaption(ctx context.Context, params *bot.EditMessageCaptionParams) (*models.Message, error)
	EditMessageMedia(ctx context.Context, params *bot.EditMessageMediaParams) (*models.Message, error)
	PinChatMessage(ctx context.Context, params *bot.PinChatMessageParams) (bool, error)
	UnpinChatMessage(ctx context.Context, params *bot.UnpinChatMessageParams) (bool, error)
}

const (
	maxAttempts   = 3
	maxFloodWaits = 10
)

var retryAfterRe = regexp.MustCompile(`(?i)retry[ _-]?after:?\s*(\d+)`)

var benignErrors = []string{
	"message is not modified",
	"query is too old",
	"query id is invalid",
	"message to delete not found",
	"message to edit not found",
	"message can't be deleted",
	"message to pin not found",
}

type item struct {
	op       Op
	priority Priority
	result   *Result
}

// Worker is the single consumer of outbound chat operations.
type Worker struct {
	api     API
	high    chan *item
	low     chan *item
	limiter *rate.Limiter
	metrics *metrics.Metrics
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(api API, interval time.Duration, queueSize int, m *metrics.Metrics) *Worker {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Worker{
		api:     api,
		high:    make(chan *item, queueSize),
		low:     make(chan *item, queueSize),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		metrics: m,
		backoff: 500 * time.Millisecond,
		sleep:   sleepCtx,
	}
}

// Enqueue never blocks. A full queue resolves the result with ErrQueueFull.
func (w *Worker) Enqueue(p Priority, op Op) *Result {
	it := &item{op: op, priority: p, result: newResult()}
	ch := w.low
	if p == High {
		ch = w.high
	}
	select {
	case ch <- it:
		w.metrics.DispatchQueue.WithLabelValues(p.String()).Set(float64(len(ch)))
		return it.result
	default:
		w.metrics.DispatchOps.WithLabelValues(string(op.Kind), "queue_full").Inc()
		logger.L().Warnw("dispatch queue full", "priority", p.String(), "kind", op.Kind, "chat", op.ChatID)
		return failed(ErrQueueFull)
	}
}

func (w *Worker) Run(ctx context.Context) {
	logger.L().Infow("dispatch worker started")
	defer w.drain()
	for {
		it, ok := w.next(ctx)
		if !ok {
			logger.L().Infow("dispatch worker stopped")
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			it.result.resolve(nil, ErrStopped)
			return
		}
		w.process(ctx, it)
	}
}

// next prefers the high queue whenever it has anything waiting.
func (w *Worker) next(ctx context.Context) (*item, bool) {
	select {
	case it := <-w.high:
		w.gauge(High)
		return it, true
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false
	case it := <-w.high:
		w.gauge(High)
		return it, true
	case it := <-w.low:
		w.gauge(Low)
		return it, true
	}
}

func (w *Worker) gauge(p Priority) {
	ch := w.low
	if p == High {
		ch = w.high
	}
	w.metrics.DispatchQueue.WithLabelValues(p.String()).Set(float64(len(ch)))
}

func (w *Worker) drain() {
	for {
		select {
		case it := <-w.high:
			it.result.resolve(nil, ErrStopped)
		case it := <-w.low:
			it.result.resolve(nil, ErrStopped)
		default:
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, it *item) {
	kind := string(it.op.Kind)
	attempts, floods := 0, 0
	for {
		msg, err := w.execute(ctx, it.op)
		if err == nil {
			w.metrics.DispatchOps.WithLabelValues(kind, "ok").Inc()
			it.result.resolve(msg, nil)
			return
		}
		if errors.Is(err, ErrUnknownKind) {
			w.metrics.DispatchOps.WithLabelValues(kind, "invalid").Inc()
			logger.L().Errorw("dispatch unknown kind", "kind", kind, "chat", it.op.ChatID)
			it.result.resolve(nil, err)
			return
		}
		if wait, ok := floodWait(err); ok && floods < maxFloodWaits {
			floods++
			w.metrics.FloodWaits.Inc()
			logger.L().Warnw("flood control, pausing dispatch", "kind", kind, "wait", wait)
			if w.sleep(ctx, wait) != nil {
				it.result.resolve(nil, ErrStopped)
				return
			}
			continue
		}
		if isBenign(err) {
			w.metrics.DispatchOps.WithLabelValues(kind, "dropped").Inc()
			logger.L().Debugw("dispatch dropped benign error", "kind", kind, "err", err)
			it.result.resolve(nil, nil)
			return
		}
		attempts++
		if attempts >= maxAttempts {
			w.metrics.DispatchOps.WithLabelValues(kind, "failed").Inc()
			logger.L().Errorw("dispatch gave up", "kind", kind, "chat", it.op.ChatID, "attempts", attempts, "err", err)
			it.result.resolve(nil, err)
			return
		}
		if w.sleep(ctx, w.backoff*time.Duration(1<<(attempts-1))) != nil {
			it.result.resolve(nil, ErrStopped)
			return
		}
	}
}

func (w *Worker) execute(ctx context.Context, op Op) (*models.Message, error) {
	switch op.Kind {
	case KindReply, KindSendMessage:
		params := &bot.SendMessageParams{
			ChatID:              op.ChatID,
			MessageThreadID:     op.TopicID,
			Text:                op.Text,
			ParseMode:           op.ParseMode,
			DisableNotification: op.Silent,
		}
		if op.Kind == KindReply && op.MessageID != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: op.MessageID}
		}
		if op.Keyboard != nil {
			params.ReplyMarkup = op.Keyboard
		}
		return w.api.SendMessage(ctx, params)
	case KindEditText:
		params := &bot.EditMessageTextParams{
			ChatID:    op.ChatID,
			MessageID: op.MessageID,
			Text:      op.Text,
			ParseMode: op.ParseMode,
		}
		if op.Keyboard != nil {
			params.ReplyMarkup = op.Keyboard
		}
		return w.api.EditMessageText(ctx, params)
	case KindDelete:
		_, err := w.api.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: op.ChatID, MessageID: op.MessageID})
		return nil, err
	case KindForward:
		return w.api.ForwardMessage(ctx, &bot.ForwardMessageParams{
			ChatID:          op.ChatID,
			MessageThreadID: op.TopicID,
			FromChatID:      op.FromChatID,
			MessageID:       op.MessageID,
		})
	case KindAnswerCallback:
		_, err := w.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: op.CallbackID,
			Text:            op.Text,
			ShowAlert:       op.ShowAlert,
		})
		return nil, err
	case KindSendPhoto:
		params := &bot.SendPhotoParams{
			ChatID:          op.ChatID,
			MessageThreadID: op.TopicID,
			Photo:           &models.InputFileString{Data: op.PhotoFileID},
			Caption:         op.Text,
			ParseMode:       op.ParseMode,
		}
		if op.Keyboard != nil {
			params.ReplyMarkup = op.Keyboard
		}
		return w.api.SendPhoto(ctx, params)
	case KindEditCaption:
		params := &bot.EditMessageCaptionParams{
			ChatID:    op.ChatID,
			MessageID: op.MessageID,
			Caption:   op.Text,
			ParseMode: op.ParseMode,
		}
		if op.Keyboard != nil {
			params.ReplyMarkup = op.Keyboard
		}
		return w.api.EditMessageCaption(ctx, params)
	case KindEditMedia:
		params := &bot.EditMessageMediaParams{
			ChatID:    op.ChatID,
			MessageID: op.MessageID,
			Media: &models.InputMediaPhoto{
				Media:     op.PhotoFileID,
				Caption:   op.Text,
				ParseMode: op.ParseMode,
			},
		}
		if op.Keyboard != nil {
			params.ReplyMarkup = op.Keyboard
		}
		return w.api.EditMessageMedia(ctx, params)
	case KindPin:
		_, err := w.api.PinChatMessage(ctx, &bot.PinChatMessageParams{
			ChatID:              op.ChatID,
			MessageID:           op.MessageID,
			DisableNotification: op.Silent,
		})
		return nil, err
	case KindUnpin:
		_, err := w.api.UnpinChatMessage(ctx, &bot.UnpinChatMessageParams{ChatID: op.ChatID, MessageID: op.MessageID})
		return nil, err
	default:
		return nil, ErrUnknownKind
	}
}

// floodWait extracts the server requested pause from a flood control error.
func floodWait(err error) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return 0, false
	}
	secs, convErr := strconv.Atoi(m[1])
	if convErr != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func isBenign(err error) bool {
	text := strings.ToLower(err.Error())
	for _, s := range benignErrors {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
