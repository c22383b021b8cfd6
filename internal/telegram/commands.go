package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	botModels "github.com/go-telegram/bot/models"

	"hongbaobot/internal/hongbao"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
	"hongbaobot/internal/store"
)

type commandFunc func(ctx context.Context, msg *botModels.Message, args string)

func (b *Bot) registerCommands() {
	b.commands = map[string]commandFunc{
		"hb":              b.handleHongbao,
		"hongbao":         b.handleHongbao,
		"regist":          b.handleRegist,
		"sethbgroup":      b.handleSetGroup,
		"rmhbgroup":       b.handleRemoveGroup,
		"addcover":        b.handleAddCover,
		"rmcover":         b.handleRemoveCover,
		"listcover":       b.handleListCovers,
		"sethbcover":      b.handleSetCover,
		"addcap":          b.handleAddCaption,
		"rmcap":           b.handleRemoveCaption,
		"listcap":         b.handleListCaptions,
		"addadmin":        b.handleAddAdmin,
		"rmrestricttopic": b.handleRemoveRestrictTopic,
		"about":           b.handleAbout,
	}
}

// parseCommand splits "/cmd@bot rest" into its lowercase name and the rest.
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		rest = name[i+1:] + " " + rest
		name = name[:i]
	}
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

// ParseHongbao reads "<points> <slots> [message...]".
func ParseHongbao(args string) (points, slots int, message string, err error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return 0, 0, "", hongbao.InvalidParams(hongbao.RuleMissingArgs)
	}
	points, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, "", hongbao.InvalidParams(hongbao.RulePointsNotInt)
	}
	slots, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, "", hongbao.InvalidParams(hongbao.RuleSlotsNotInt)
	}
	if err := hongbao.Validate(points, slots); err != nil {
		return 0, 0, "", err
	}
	message = strings.Join(fields[2:], " ")
	if r := []rune(message); len(r) > 100 {
		message = string(r[:100])
	}
	return points, slots, message, nil
}

func (b *Bot) handleHongbao(ctx context.Context, msg *botModels.Message, args string) {
	if !isGroup(msg.Chat) {
		b.reply(msg, "请在已开通红包的群里发红包")
		return
	}
	group, err := b.registry.Group(ctx, msg.Chat.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.L().Errorw("load group failed", "chat", msg.Chat.ID, "err", err)
		}
		b.reply(msg, "本群未开通红包功能")
		return
	}
	if group.TopicID != 0 && msg.MessageThreadID != group.TopicID && b.registry.IsStrictTopic(ctx, msg.From.ID) {
		b.reply(msg, "请在红包话题内发红包")
		return
	}
	points, slots, text, err := ParseHongbao(args)
	if err != nil {
		b.reply(msg, userMessage(err))
		return
	}

	req := hongbao.CreateRequest{
		ChatID:           msg.Chat.ID,
		TopicID:          msg.MessageThreadID,
		RequestMessageID: msg.ID,
		Sender:           models.Sender{ID: msg.From.ID, DisplayName: displayName(msg.From)},
		Points:           points,
		Slots:            slots,
		MessageText:      text,
	}
	if cover, err := b.registry.UserCover(ctx, msg.From.ID); err == nil {
		req.CoverFileID = cover.FileID
	}
	if caption, err := b.registry.RandomCaption(ctx); err == nil {
		req.CaptionText = caption
	}
	env, err := b.envelopes.Create(ctx, req)
	if err != nil {
		logger.L().Infow("create envelope rejected", "chat", msg.Chat.ID, "sender", msg.From.ID, "err", err)
		b.reply(msg, userMessage(err))
		return
	}
	logger.L().Debugw("envelope accepted", "serial", env.Serial, "chat", msg.Chat.ID)
}

// userMessage maps engine errors to the text shown in chat.
func userMessage(err error) string {
	var inv *hongbao.InvalidParamsError
	switch {
	case errors.As(err, &inv):
		return inv.Message
	case errors.Is(err, hongbao.ErrInsufficientBalance):
		return "余额不足，红包发送失败"
	case errors.Is(err, hongbao.ErrLedgerTimeout):
		return "账本机器人无响应，请稍后重试"
	case errors.Is(err, hongbao.ErrEnvelopeNotFound), errors.Is(err, hongbao.ErrEnvelopeFinished):
		return "红包已结束"
	case errors.Is(err, hongbao.ErrDuplicateClaim):
		return "你已经领过这个红包了"
	case errors.Is(err, hongbao.ErrSelfClaim):
		return "不能领取自己发的红包"
	case errors.Is(err, hongbao.ErrNotQualified):
		return "今天在本群发言后才能领取红包"
	case errors.Is(err, hongbao.ErrPoolClosed):
		return "服务维护中，请稍后再试"
	default:
		return "系统繁忙，请稍后再试"
	}
}

func (b *Bot) handleRegist(ctx context.Context, msg *botModels.Message, _ string) {
	if !isPrivate(msg.Chat) {
		b.reply(msg, "请私聊机器人使用 /regist")
		return
	}
	if err := b.registry.RegisterUser(ctx, msg.From.ID, displayName(msg.From)); err != nil {
		logger.L().Errorw("register user failed", "user", msg.From.ID, "err", err)
		b.reply(msg, "注册失败，请稍后再试")
		return
	}
	b.reply(msg, "注册成功，抢到红包后会私信通知你")
}

// adminPrivate gates the registry commands that only make sense in a DM.
func (b *Bot) adminPrivate(ctx context.Context, msg *botModels.Message) bool {
	if !b.isAdmin(ctx, msg.From.ID) {
		b.reply(msg, "仅管理员可用")
		return false
	}
	if !isPrivate(msg.Chat) {
		b.reply(msg, "请私聊机器人使用此命令")
		return false
	}
	return true
}

func (b *Bot) requireAdmin(ctx context.Context, msg *botModels.Message) bool {
	if b.isAdmin(ctx, msg.From.ID) {
		return true
	}
	b.reply(msg, "仅管理员可用")
	return false
}

func parseChatTopic(args string) (int64, int, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, 0, errors.New("missing chat id")
	}
	chatID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	topicID := 0
	if len(fields) > 1 {
		if topicID, err = strconv.Atoi(fields[1]); err != nil {
			return 0, 0, err
		}
	}
	return chatID, topicID, nil
}

func (b *Bot) handleSetGroup(ctx context.Context, msg *botModels.Message, args string) {
	if !b.adminPrivate(ctx, msg) {
		return
	}
	chatID, topicID, err := parseChatTopic(args)
	if err != nil {
		b.reply(msg, "用法: /sethbgroup <chat_id> [topic_id]")
		return
	}
	if err := b.registry.AddGroup(ctx, chatID, topicID); err != nil {
		logger.L().Errorw("add group failed", "chat", chatID, "err", err)
		b.reply(msg, "保存失败")
		return
	}
	b.replyHTML(msg, fmt.Sprintf("已开通红包群 <code>%d</code> 话题 <code>%d</code>", chatID, topicID))
}

func (b *Bot) handleRemoveGroup(ctx context.Context, msg *botModels.Message, args string) {
	if !b.adminPrivate(ctx, msg) {
		return
	}
	chatID, _, err := parseChatTopic(args)
	if err != nil {
		b.reply(msg, "用法: /rmhbgroup <chat_id> [topic_id]")
		return
	}
	removed, err := b.registry.RemoveGroup(ctx, chatID)
	if err != nil {
		logger.L().Errorw("remove group failed", "chat", chatID, "err", err)
		b.reply(msg, "删除失败")
		return
	}
	if !removed {
		b.reply(msg, "该群未开通红包")
		return
	}
	b.replyHTML(msg, fmt.Sprintf("已关闭红包群 <code>%d</code>", chatID))
}

// largestPhoto returns the file id of the biggest size of a photo message.
func largestPhoto(msg *botModels.Message) string {
	if msg == nil || len(msg.Photo) == 0 {
		return ""
	}
	return msg.Photo[len(msg.Photo)-1].FileID
}

func (b *Bot) handleAddCover(ctx context.Context, msg *botModels.Message, _ string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	fileID := largestPhoto(msg)
	if fileID == "" {
		fileID = largestPhoto(msg.ReplyToMessage)
	}
	if fileID == "" {
		b.reply(msg, "请发送图片并附上 /addcover，或回复一张图片")
		return
	}
	id, err := b.registry.AddCover(ctx, fileID, msg.From.ID)
	if err != nil {
		logger.L().Errorw("add cover failed", "user", msg.From.ID, "err", err)
		b.reply(msg, "保存失败")
		return
	}
	b.replyHTML(msg, fmt.Sprintf("封面已添加，编号 <code>%d</code>", id))
}

func parseID(args string) (int64, bool) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	return id, err == nil && id > 0
}

func (b *Bot) handleRemoveCover(ctx context.Context, msg *botModels.Message, args string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id, ok := parseID(args)
	if !ok {
		b.reply(msg, "用法: /rmcover <编号>")
		return
	}
	removed, err := b.registry.RemoveCover(ctx, id)
	switch {
	case err != nil:
		logger.L().Errorw("remove cover failed", "id", id, "err", err)
		b.reply(msg, "删除失败")
	case !removed:
		b.reply(msg, "封面不存在")
	default:
		b.reply(msg, "封面已删除")
	}
}

func (b *Bot) handleListCovers(ctx context.Context, msg *botModels.Message, _ string) {
	covers, err := b.registry.ListCovers(ctx)
	if err != nil {
		logger.L().Errorw("list covers failed", "err", err)
		b.reply(msg, "读取失败")
		return
	}
	if len(covers) == 0 {
		b.reply(msg, "暂无封面")
		return
	}
	var sb strings.Builder
	sb.WriteString("可用封面：\n")
	for _, c := range covers {
		fmt.Fprintf(&sb, "<code>%d</code>  %s\n", c.ID, c.CreatedAt.In(displayZone).Format("2006-01-02"))
	}
	sb.WriteString("使用 /sethbcover &lt;编号&gt; 设置你的红包封面，0 为不使用")
	b.replyHTML(msg, sb.String())
}

func (b *Bot) handleSetCover(ctx context.Context, msg *botModels.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.reply(msg, "用法: /sethbcover <编号>")
		return
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id < 0 {
		b.reply(msg, "用法: /sethbcover <编号>")
		return
	}
	if id > 0 {
		if _, err := b.registry.Cover(ctx, id); err != nil {
			b.reply(msg, "封面不存在")
			return
		}
	}
	if err := b.registry.SetUserCover(ctx, msg.From.ID, id); err != nil {
		logger.L().Errorw("set cover failed", "user", msg.From.ID, "err", err)
		b.reply(msg, "保存失败")
		return
	}
	if id == 0 {
		b.reply(msg, "已取消红包封面")
		return
	}
	b.replyHTML(msg, fmt.Sprintf("红包封面已设为 <code>%d</code>", id))
}

func (b *Bot) handleAddCaption(ctx context.Context, msg *botModels.Message, args string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	text := strings.TrimSpace(args)
	if text == "" {
		b.reply(msg, "用法: /addcap <文案>")
		return
	}
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	id, err := b.registry.AddCaption(ctx, text, msg.From.ID)
	if err != nil {
		logger.L().Errorw("add caption failed", "err", err)
		b.reply(msg, "保存失败")
		return
	}
	b.replyHTML(msg, fmt.Sprintf("文案已添加，编号 <code>%d</code>", id))
}

func (b *Bot) handleRemoveCaption(ctx context.Context, msg *botModels.Message, args string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id, ok := parseID(args)
	if !ok {
		b.reply(msg, "用法: /rmcap <编号>")
		return
	}
	removed, err := b.registry.RemoveCaption(ctx, id)
	switch {
	case err != nil:
		logger.L().Errorw("remove caption failed", "id", id, "err", err)
		b.reply(msg, "删除失败")
	case !removed:
		b.reply(msg, "文案不存在")
	default:
		b.reply(msg, "文案已删除")
	}
}

func (b *Bot) handleListCaptions(ctx context.Context, msg *botModels.Message, _ string) {
	caps, err := b.registry.ListCaptions(ctx)
	if err != nil {
		logger.L().Errorw("list captions failed", "err", err)
		b.reply(msg, "读取失败")
		return
	}
	if len(caps) == 0 {
		b.reply(msg, "暂无文案")
		return
	}
	var sb strings.Builder
	sb.WriteString("红包文案：\n")
	for _, c := range caps {
		fmt.Fprintf(&sb, "<code>%d</code>  %s\n", c.ID, html.EscapeString(c.Text))
	}
	b.replyHTML(msg, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleAddAdmin(ctx context.Context, msg *botModels.Message, args string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	uid, ok := parseID(args)
	if !ok {
		b.reply(msg, "用法: /addadmin <user_id>")
		return
	}
	if err := b.registry.AddAdmin(ctx, uid); err != nil {
		logger.L().Errorw("add admin failed", "user", uid, "err", err)
		b.reply(msg, "保存失败")
		return
	}
	logger.L().Infow("admin added", "user", uid, "by", msg.From.ID)
	b.replyHTML(msg, fmt.Sprintf("已添加管理员 <code>%d</code>", uid))
}

func (b *Bot) handleRemoveRestrictTopic(ctx context.Context, msg *botModels.Message, args string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	uid, ok := parseID(args)
	if !ok {
		b.reply(msg, "用法: /rmrestricttopic <user_id>")
		return
	}
	if err := b.registry.SetStrictTopic(ctx, uid, false); err != nil {
		logger.L().Errorw("clear strict topic failed", "user", uid, "err", err)
		b.reply(msg, "保存失败")
		return
	}
	b.replyHTML(msg, fmt.Sprintf("用户 <code>%d</code> 可在任意话题发红包", uid))
}

const aboutText = `🧧 <b>红包机器人</b>
/hb &lt;总分&gt; &lt;数量&gt; [留言]  发红包（总分 2-666，数量 2-66，每个至少 1 分）
总分等于数量时平均分配，否则拼手气。
当天在群里发过言才能抢红包，每人每个红包限领一次。
超过 6 小时未领完的红包会被收回。
/regist  私聊注册，抢到红包后私信通知
/listcover  /sethbcover &lt;编号&gt;  设置红包封面`

func (b *Bot) handleAbout(_ context.Context, msg *botModels.Message, _ string) {
	b.replyHTML(msg, aboutText)
}
