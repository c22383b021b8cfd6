package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"

	"hongbaobot/internal/clickguard"
	"hongbaobot/internal/dispatch"
	"hongbaobot/internal/hongbao"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
)

// Outbox is where every outbound chat operation goes.
type Outbox interface {
	Enqueue(p dispatch.Priority, op dispatch.Op) *dispatch.Result
}

type Envelopes interface {
	Create(ctx context.Context, req hongbao.CreateRequest) (models.Envelope, error)
	Claim(ctx context.Context, a models.ClaimAttempt) error
}

// Registry is the chat side configuration kept in MySQL.
type Registry interface {
	AddGroup(ctx context.Context, chatID int64, topicID int) error
	RemoveGroup(ctx context.Context, chatID int64) (bool, error)
	Group(ctx context.Context, chatID int64) (models.Group, error)

	RegisterUser(ctx context.Context, userID int64, name string) error
	IsRegistered(ctx context.Context, userID int64) bool
	AddAdmin(ctx context.Context, userID int64) error
	IsAdmin(ctx context.Context, userID int64) bool
	SetStrictTopic(ctx context.Context, userID int64, strict bool) error
	IsStrictTopic(ctx context.Context, userID int64) bool
	SetUserCover(ctx context.Context, userID, coverID int64) error
	UserCover(ctx context.Context, userID int64) (models.Cover, error)

	AddCover(ctx context.Context, fileID string, createdBy int64) (int64, error)
	RemoveCover(ctx context.Context, id int64) (bool, error)
	Cover(ctx context.Context, id int64) (models.Cover, error)
	ListCovers(ctx context.Context) ([]models.Cover, error)

	AddCaption(ctx context.Context, text string, createdBy int64) (int64, error)
	RemoveCaption(ctx context.Context, id int64) (bool, error)
	ListCaptions(ctx context.Context) ([]models.Caption, error)
	RandomCaption(ctx context.Context) (string, error)
}

type Qualifier interface {
	Mark(ctx context.Context, chatID, userID int64) error
}

// LedgerInbox receives every message the ledger bot posts.
type LedgerInbox interface {
	Deliver(text string) bool
}

type Guard interface {
	Check(userID int64) clickguard.Verdict
}

type Options struct {
	Token       string
	Debug       bool
	AdminIDs    map[int64]bool
	LedgerBotID int64
	// 同时处理的更新数上限
	MaxInFlight int
}

type Deps struct {
	Outbox    Outbox
	Envelopes Envelopes
	Registry  Registry
	Qualifier Qualifier
	Ledger    LedgerInbox
	Guard     Guard
}

// Bot routes chat updates to the hongbao engine.
type Bot struct {
	api  *bot.Bot
	opts Options

	out       Outbox
	envelopes Envelopes
	registry  Registry
	qualifier Qualifier
	ledger    LedgerInbox
	guard     Guard

	commands map[string]commandFunc
	sem      chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates the underlying bot client. Wire must be called before Start.
func New(opts Options) (*Bot, error) {
	b := newBot(opts)
	botOpts := []bot.Option{bot.WithDefaultHandler(b.route)}
	if opts.Debug {
		botOpts = append(botOpts, bot.WithDebug())
	}
	api, err := bot.New(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	b.api = api
	return b, nil
}

func newBot(opts Options) *Bot {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.AdminIDs == nil {
		opts.AdminIDs = map[int64]bool{}
	}
	b := &Bot{
		opts: opts,
		sem:  make(chan struct{}, opts.MaxInFlight),
		now:  time.Now,
	}
	b.registerCommands()
	return b
}

// API exposes the client for the dispatcher.
func (b *Bot) API() *bot.Bot {
	return b.api
}

func (b *Bot) Wire(d Deps) {
	b.out = d.Outbox
	b.envelopes = d.Envelopes
	b.registry = d.Registry
	b.qualifier = d.Qualifier
	b.ledger = d.Ledger
	b.guard = d.Guard
}

// Start polls for updates until ctx ends, then waits for running handlers.
func (b *Bot) Start(ctx context.Context) {
	logger.L().Infow("telegram bot started")
	b.api.Start(ctx)
	b.wg.Wait()
	logger.L().Infow("telegram bot stopped")
}

// route is the single entry for every update. Ledger replies are delivered
// inline because a pending balance check may be blocking another handler;
// everything else runs on its own goroutine.
func (b *Bot) route(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	switch {
	case update.CallbackQuery != nil:
		if strings.HasPrefix(update.CallbackQuery.Data, claimCallbackPrefix) {
			b.async(ctx, update, b.handleClaimCallback)
		}
	case update.Message != nil:
		msg := update.Message
		if msg.From != nil && b.opts.LedgerBotID != 0 && msg.From.ID == b.opts.LedgerBotID {
			if b.ledger != nil && !b.ledger.Deliver(messageText(msg)) {
				logger.L().Debugw("unmatched ledger message", "chat", msg.Chat.ID)
			}
			return
		}
		b.async(ctx, update, b.handleMessage)
	}
}

func (b *Bot) async(ctx context.Context, update *botModels.Update, h func(context.Context, *botModels.Update)) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	b.wg.Add(1)
	go func() {
		defer func() {
			<-b.sem
			b.wg.Done()
			if r := recover(); r != nil {
				logger.L().Errorw("handler panic", "panic", r)
			}
		}()
		h(ctx, update)
	}()
}

func (b *Bot) handleMessage(ctx context.Context, update *botModels.Update) {
	msg := update.Message
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if cmd, args, ok := parseCommand(messageText(msg)); ok {
		if h, found := b.commands[cmd]; found {
			if !b.allow(msg) {
				return
			}
			h(ctx, msg, args)
			return
		}
	}
	if isGroup(msg.Chat) && b.qualifier != nil {
		if err := b.qualifier.Mark(ctx, msg.Chat.ID, msg.From.ID); err != nil {
			logger.L().Warnw("qualify mark failed", "chat", msg.Chat.ID, "user", msg.From.ID, "err", err)
		}
	}
}

// allow runs the click guard for a command. The first denial gets a warning.
func (b *Bot) allow(msg *botModels.Message) bool {
	if b.guard == nil {
		return true
	}
	v := b.guard.Check(msg.From.ID)
	if v.Allowed {
		return true
	}
	if v.Warn {
		b.reply(msg, "操作太频繁，请稍后再试")
	}
	return false
}

func (b *Bot) isAdmin(ctx context.Context, userID int64) bool {
	if b.opts.AdminIDs[userID] {
		return true
	}
	return b.registry != nil && b.registry.IsAdmin(ctx, userID)
}

func (b *Bot) reply(msg *botModels.Message, text string) *dispatch.Result {
	return b.out.Enqueue(dispatch.Low, dispatch.Op{
		Kind:      dispatch.KindReply,
		ChatID:    msg.Chat.ID,
		TopicID:   msg.MessageThreadID,
		MessageID: msg.ID,
		Text:      text,
	})
}

func (b *Bot) replyHTML(msg *botModels.Message, text string) *dispatch.Result {
	return b.out.Enqueue(dispatch.Low, dispatch.Op{
		Kind:      dispatch.KindReply,
		ChatID:    msg.Chat.ID,
		TopicID:   msg.MessageThreadID,
		MessageID: msg.ID,
		Text:      text,
		ParseMode: botModels.ParseModeHTML,
	})
}

func (b *Bot) answer(callbackID, text string, alert bool) {
	b.out.Enqueue(dispatch.High, dispatch.Op{
		Kind:       dispatch.KindAnswerCallback,
		CallbackID: callbackID,
		Text:       text,
		ShowAlert:  alert,
	})
}

func messageText(msg *botModels.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func isGroup(chat botModels.Chat) bool {
	return chat.Type == botModels.ChatTypeGroup || chat.Type == botModels.ChatTypeSupergroup
}

func isPrivate(chat botModels.Chat) bool {
	return chat.Type == botModels.ChatTypePrivate
}

func displayName(u *botModels.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
