package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"

	"hongbaobot/internal/clickguard"
	"hongbaobot/internal/dispatch"
	"hongbaobot/internal/hongbao"
	"hongbaobot/internal/models"
	"hongbaobot/internal/store"
)

type sentOp struct {
	priority dispatch.Priority
	op       dispatch.Op
}

type fakeOutbox struct {
	mu     sync.Mutex
	ops    []sentOp
	nextID int
	err    error
}

func (o *fakeOutbox) Enqueue(p dispatch.Priority, op dispatch.Op) *dispatch.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, sentOp{p, op})
	if o.err != nil {
		return dispatch.Resolved(nil, o.err)
	}
	o.nextID++
	return dispatch.Resolved(&botModels.Message{ID: 500 + o.nextID}, nil)
}

func (o *fakeOutbox) sent() []sentOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentOp(nil), o.ops...)
}

func (o *fakeOutbox) texts() []string {
	var out []string
	for _, s := range o.sent() {
		out = append(out, s.op.Text)
	}
	return out
}

type fakeEnvelopes struct {
	mu        sync.Mutex
	createErr error
	claimErr  error
	creates   []hongbao.CreateRequest
	claims    []models.ClaimAttempt
}

func (f *fakeEnvelopes) Create(_ context.Context, req hongbao.CreateRequest) (models.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return models.Envelope{}, f.createErr
	}
	return models.Envelope{Serial: int64(len(f.creates)), ChatID: req.ChatID}, nil
}

func (f *fakeEnvelopes) Claim(_ context.Context, a models.ClaimAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, a)
	return f.claimErr
}

type fakeRegistry struct {
	mu         sync.Mutex
	groups     map[int64]models.Group
	registered map[int64]bool
	admins     map[int64]bool
	lenient    map[int64]bool
	userCover  map[int64]int64
	covers     map[int64]models.Cover
	captions   []models.Caption
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		groups:     map[int64]models.Group{},
		registered: map[int64]bool{},
		admins:     map[int64]bool{},
		lenient:    map[int64]bool{},
		userCover:  map[int64]int64{},
		covers:     map[int64]models.Cover{},
	}
}

func (r *fakeRegistry) AddGroup(_ context.Context, chatID int64, topicID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[chatID] = models.Group{ChatID: chatID, TopicID: topicID, CreatedAt: time.Now()}
	return nil
}

func (r *fakeRegistry) RemoveGroup(_ context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[chatID]
	delete(r.groups, chatID)
	return ok, nil
}

func (r *fakeRegistry) Group(_ context.Context, chatID int64) (models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[chatID]
	if !ok {
		return models.Group{}, store.ErrNotFound
	}
	return g, nil
}

func (r *fakeRegistry) RegisterUser(_ context.Context, userID int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[userID] = true
	return nil
}

func (r *fakeRegistry) IsRegistered(_ context.Context, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[userID]
}

func (r *fakeRegistry) AddAdmin(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admins[userID] = true
	return nil
}

func (r *fakeRegistry) IsAdmin(_ context.Context, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admins[userID]
}

func (r *fakeRegistry) SetStrictTopic(_ context.Context, userID int64, strict bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lenient[userID] = !strict
	return nil
}

func (r *fakeRegistry) IsStrictTopic(_ context.Context, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lenient[userID]
}

func (r *fakeRegistry) SetUserCover(_ context.Context, userID, coverID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userCover[userID] = coverID
	return nil
}

func (r *fakeRegistry) UserCover(_ context.Context, userID int64) (models.Cover, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.covers[r.userCover[userID]]
	if !ok {
		return models.Cover{}, store.ErrNotFound
	}
	return c, nil
}

func (r *fakeRegistry) AddCover(_ context.Context, fileID string, createdBy int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := int64(len(r.covers) + 1)
	r.covers[id] = models.Cover{ID: id, FileID: fileID, CreatedBy: createdBy}
	return id, nil
}

func (r *fakeRegistry) RemoveCover(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.covers[id]
	delete(r.covers, id)
	return ok, nil
}

func (r *fakeRegistry) Cover(_ context.Context, id int64) (models.Cover, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.covers[id]
	if !ok {
		return models.Cover{}, store.ErrNotFound
	}
	return c, nil
}

func (r *fakeRegistry) ListCovers(context.Context) ([]models.Cover, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Cover, 0, len(r.covers))
	for _, c := range r.covers {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeRegistry) AddCaption(_ context.Context, text string, createdBy int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := int64(len(r.captions) + 1)
	r.captions = append(r.captions, models.Caption{ID: id, Text: text, CreatedBy: createdBy})
	return id, nil
}

func (r *fakeRegistry) RemoveCaption(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.captions {
		if c.ID == id {
			r.captions = append(r.captions[:i], r.captions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRegistry) ListCaptions(context.Context) ([]models.Caption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Caption(nil), r.captions...), nil
}

func (r *fakeRegistry) RandomCaption(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.captions) == 0 {
		return "", nil
	}
	return r.captions[0].Text, nil
}

type fakeQualifier struct {
	mu     sync.Mutex
	marked map[int64][]int64
}

func (q *fakeQualifier) Mark(_ context.Context, chatID, userID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.marked == nil {
		q.marked = map[int64][]int64{}
	}
	q.marked[chatID] = append(q.marked[chatID], userID)
	return nil
}

type fakeInbox struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeInbox) Deliver(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
	return true
}

type testBot struct {
	*Bot
	out       *fakeOutbox
	envelopes *fakeEnvelopes
	registry  *fakeRegistry
	qualifier *fakeQualifier
	inbox     *fakeInbox
}

const (
	adminID     int64 = 1
	ledgerBotID int64 = 777
	groupChatID int64 = -1001
)

func newTestBot() *testBot {
	tb := &testBot{
		out:       &fakeOutbox{},
		envelopes: &fakeEnvelopes{},
		registry:  newFakeRegistry(),
		qualifier: &fakeQualifier{},
		inbox:     &fakeInbox{},
	}
	tb.Bot = newBot(Options{AdminIDs: map[int64]bool{adminID: true}, LedgerBotID: ledgerBotID})
	tb.Bot.Wire(Deps{
		Outbox:    tb.out,
		Envelopes: tb.envelopes,
		Registry:  tb.registry,
		Qualifier: tb.qualifier,
		Ledger:    tb.inbox,
		Guard:     clickguard.New(100, 0, time.Second),
	})
	tb.Bot.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return tb
}

func groupMessage(userID int64, text string) *botModels.Update {
	return &botModels.Update{Message: &botModels.Message{
		ID:   42,
		From: &botModels.User{ID: userID, FirstName: "user"},
		Chat: botModels.Chat{ID: groupChatID, Type: botModels.ChatTypeSupergroup},
		Text: text,
	}}
}

func privateMessage(userID int64, text string) *botModels.Update {
	return &botModels.Update{Message: &botModels.Message{
		ID:   7,
		From: &botModels.User{ID: userID, FirstName: "user"},
		Chat: botModels.Chat{ID: userID, Type: botModels.ChatTypePrivate},
		Text: text,
	}}
}

// newStrictGuard lets one event through per user and denies the rest.
func newStrictGuard() *clickguard.Guard {
	return clickguard.New(1, 5, time.Hour)
}

// chatAPI stands in for the Telegram client behind a real dispatcher and
// keeps every edit in the order it reached the chat.
type chatAPI struct {
	mu    sync.Mutex
	edits []chatEdit
}

type chatEdit struct {
	text    string
	buttons int
}

func (a *chatAPI) edit(text string, kb botModels.ReplyMarkup) *botModels.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	if m, ok := kb.(*botModels.InlineKeyboardMarkup); ok && m != nil {
		n = len(m.InlineKeyboard)
	}
	a.edits = append(a.edits, chatEdit{text: text, buttons: n})
	return &botModels.Message{ID: len(a.edits)}
}

func (a *chatAPI) seen() []chatEdit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chatEdit(nil), a.edits...)
}

func (a *chatAPI) SendMessage(context.Context, *bot.SendMessageParams) (*botModels.Message, error) {
	return &botModels.Message{ID: 1}, nil
}

func (a *chatAPI) EditMessageText(_ context.Context, p *bot.EditMessageTextParams) (*botModels.Message, error) {
	return a.edit(p.Text, p.ReplyMarkup), nil
}

func (a *chatAPI) DeleteMessage(context.Context, *bot.DeleteMessageParams) (bool, error) {
	return true, nil
}

func (a *chatAPI) ForwardMessage(context.Context, *bot.ForwardMessageParams) (*botModels.Message, error) {
	return &botModels.Message{ID: 1}, nil
}

func (a *chatAPI) AnswerCallbackQuery(context.Context, *bot.AnswerCallbackQueryParams) (bool, error) {
	return true, nil
}

func (a *chatAPI) SendPhoto(context.Context, *bot.SendPhotoParams) (*botModels.Message, error) {
	return &botModels.Message{ID: 1}, nil
}

func (a *chatAPI) EditMessageCaption(_ context.Context, p *bot.EditMessageCaptionParams) (*botModels.Message, error) {
	return a.edit(p.Caption, p.ReplyMarkup), nil
}

func (a *chatAPI) EditMessageMedia(context.Context, *bot.EditMessageMediaParams) (*botModels.Message, error) {
	return &botModels.Message{ID: 1}, nil
}

func (a *chatAPI) PinChatMessage(context.Context, *bot.PinChatMessageParams) (bool, error) {
	return true, nil
}

func (a *chatAPI) UnpinChatMessage(context.Context, *bot.UnpinChatMessageParams) (bool, error) {
	return true, nil
}
