package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/MeeMeeBot/internal/config"
	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/service"
	"github.com/digkill/MeeMeeBot/internal/templates"
)

// Catalog lists the meme templates shown to users.
type Catalog interface {
	List() ([]templates.Template, error)
	Get(id string) (*templates.Template, error)
}

type Bot struct {
	cfg       config.Config
	api       *tgbotapi.BotAPI
	out       Sender
	log       *slog.Logger
	users     *service.UserService
	flow      *service.FlowService
	referrals *service.ReferralService
	catalog   Catalog
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, flow *service.FlowService, referrals *service.ReferralService, catalog Catalog) *Bot {
	return &Bot{
		cfg:       cfg,
		api:       api,
		out:       api,
		log:       log,
		users:     users,
		flow:      flow,
		referrals: referrals,
		catalog:   catalog,
	}
}

// Run handles every update in its own goroutine so a user waiting on a
// generation never blocks anyone else. It waits for in-flight handlers on exit.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "username", b.api.Self.UserName)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleUpdate(ctx, update)
			}()
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("update handler panic", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		b.log.Error("ensure user", "user_id", msg.From.ID, "err", err)
		b.sendText(chatID, genericErrorText)
		return
	}
	sess, err := b.flow.Session(ctx, msg.From.ID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	switch sess.State {
	case models.StateAwaitingName:
		b.handleName(ctx, msg)
	case models.StateAwaitingPaymentDetails:
		b.handleEmail(ctx, msg)
	case models.StateGenerating:
		b.sendText(chatID, "Видео уже готовится, подождите немного ⏳")
	default:
		b.sendMenu(chatID, "Выберите действие в меню.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.Command() == "start" {
		b.handleStart(ctx, msg)
		return
	}
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		b.log.Error("ensure user", "user_id", msg.From.ID, "err", err)
		b.sendText(chatID, genericErrorText)
		return
	}

	switch msg.Command() {
	case "balance":
		b.sendBalance(ctx, chatID, msg.From.ID)
	case "catalog":
		b.sendCatalog(chatID, 0)
	case "buy":
		b.sendPackages(chatID)
	case "referral":
		b.sendUserReferral(ctx, chatID, msg.From.ID)
	default:
		b.sendMenu(chatID, "Неизвестная команда.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	res, err := b.flow.Start(ctx, profileOf(msg.From), msg.CommandArguments())
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Привет, %s! 👋\n\nЯ делаю короткие мем-видео с твоим именем. Выбери шаблон в каталоге, введи имя, и видео будет готово через пару минут.\n\n", res.User.FirstName)
	fmt.Fprintf(&sb, "Доступно генераций: %d", res.User.Quota())
	switch res.Referral {
	case models.ReferralUser:
		sb.WriteString("\n\n🎁 Вы пришли по приглашению друга, бонус начислен!")
	case models.ReferralExpert:
		sb.WriteString("\n\n🎁 Вы пришли по ссылке эксперта, бонус начислен!")
	}
	b.sendMenu(chatID, sb.String())
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil {
		return
	}
	chatID := cb.From.ID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}
	userID := cb.From.ID

	parsed := parseCallback(cb.Data)
	if parsed.kind == cbCheckPayment {
		b.handleCheckPayment(ctx, cb, parsed.id)
		return
	}
	b.answer(cb.ID, "")

	if _, err := b.ensureUser(ctx, cb.From); err != nil {
		b.log.Error("ensure user", "user_id", userID, "err", err)
		b.sendText(chatID, genericErrorText)
		return
	}

	switch parsed.kind {
	case cbMainMenu:
		b.sendMenu(chatID, "Главное меню")
	case cbCatalog:
		b.sendCatalog(chatID, 0)
	case cbCatalogPage:
		b.sendCatalog(chatID, parsed.page)
	case cbTemplate:
		b.handleTemplate(ctx, chatID, userID, parsed.id)
	case cbGender:
		b.handleGender(ctx, chatID, userID, parsed.gender)
	case cbConfirm:
		b.handleConfirm(ctx, chatID, userID)
	case cbBuy:
		b.sendPackages(chatID)
	case cbPackage:
		b.handlePackage(ctx, chatID, userID, models.PackageID(parsed.id))
	case cbPayCard:
		if err := b.flow.RequestFiatPayment(ctx, userID); err != nil {
			b.replyError(chatID, err)
			return
		}
		b.sendText(chatID, "Введите email, на который отправить чек об оплате.")
	case cbPayCrypto:
		b.sendKeyboard(chatID, "Выберите валюту:", cryptoCurrencyKeyboard())
	case cbCryptoCurrency:
		cur, ok := models.LookupCrypto(strings.ToUpper(parsed.currency))
		if !ok {
			b.sendText(chatID, "Эта валюта не поддерживается.")
			return
		}
		b.sendKeyboard(chatID, fmt.Sprintf("Выберите сеть для %s:", cur.Code), chainKeyboard(cur))
	case cbChain:
		b.handleChain(ctx, chatID, userID, parsed.currency, parsed.chain)
	case cbRefUser:
		b.sendUserReferral(ctx, chatID, userID)
	case cbRefExpert:
		b.sendExpertReferral(ctx, chatID, userID)
	case cbAbout:
		b.sendAbout(chatID)
	default:
		b.log.Warn("unknown callback", "data", cb.Data, "user_id", userID)
	}
}

func (b *Bot) handleTemplate(ctx context.Context, chatID, userID int64, templateID string) {
	tpl, err := b.flow.SelectTemplate(ctx, userID, templateID)
	if err != nil {
		if errors.Is(err, service.ErrInsufficientQuota) {
			text, _ := userMessage(err)
			b.sendKeyboard(chatID, text, packagesKeyboard())
			return
		}
		b.replyError(chatID, err)
		return
	}
	b.sendText(chatID, fmt.Sprintf("Шаблон «%s». Введите имя для видео (от 2 до 30 символов).", tpl.Name))
}

func (b *Bot) handleName(ctx context.Context, msg *tgbotapi.Message) {
	if err := b.flow.SubmitName(ctx, msg.From.ID, msg.Text); err != nil {
		b.replyError(msg.Chat.ID, err)
		return
	}
	b.sendKeyboard(msg.Chat.ID, "Кто будет в видео?", genderKeyboard())
}

func (b *Bot) handleGender(ctx context.Context, chatID, userID int64, gender models.Gender) {
	sess, err := b.flow.SelectGender(ctx, userID, gender)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	name := sess.TemplateID
	if tpl, err := b.catalog.Get(sess.TemplateID); err == nil && tpl != nil {
		name = tpl.Name
	}
	text := fmt.Sprintf("Проверьте данные:\n\nШаблон: %s\nИмя: %s\nПол: %s\n\nБудет списана 1 генерация.", name, sess.Name, gender.Text())
	b.sendKeyboard(chatID, text, confirmKeyboard())
}

// handleConfirm blocks until the video is ready or the wait runs out. The
// video itself arrives through the Notifier.
func (b *Bot) handleConfirm(ctx context.Context, chatID, userID int64) {
	b.sendText(chatID, "⏳ Создаю видео, это займёт пару минут...")
	outcome, err := b.flow.ConfirmGeneration(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrInsufficientQuota) {
			text, _ := userMessage(err)
			b.sendKeyboard(chatID, text, packagesKeyboard())
			return
		}
		b.replyError(chatID, err)
		return
	}
	if outcome.Status == service.OutcomeDeferred {
		b.sendText(chatID, "Видео ещё готовится. Я пришлю его, как только оно будет готово.")
	}
}

func (b *Bot) handlePackage(ctx context.Context, chatID, userID int64, id models.PackageID) {
	pkg, err := b.flow.ChoosePackage(ctx, userID, id)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	text := fmt.Sprintf("Пакет «%s»\nКартой: %s ₽\nКриптовалютой: %s USDT\n\nВыберите способ оплаты:", pkg.Title, pkg.PriceRUB.String(), pkg.PriceUSDT.String())
	b.sendKeyboard(chatID, text, paymentMethodKeyboard())
}

func (b *Bot) handleEmail(ctx context.Context, msg *tgbotapi.Message) {
	checkout, err := b.flow.SubmitEmail(ctx, msg.From.ID, msg.Text)
	if err != nil {
		b.replyError(msg.Chat.ID, err)
		return
	}
	text := fmt.Sprintf("Заказ %s на %s %s создан. Чек придёт на %s.\nПосле оплаты нажмите «Проверить оплату».",
		checkout.Order.ID, checkout.Order.Amount.String(), checkout.Order.Currency, checkout.Method.Email)
	b.sendKeyboard(msg.Chat.ID, text, checkoutKeyboard(checkout.Invoice.PaymentURL, checkout.Order.ID))
}

func (b *Bot) handleChain(ctx context.Context, chatID, userID int64, currency string, chain int) {
	checkout, err := b.flow.StartCryptoPayment(ctx, userID, currency, chain)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	inv := checkout.Invoice
	var sb strings.Builder
	fmt.Fprintf(&sb, "Заказ %s\nОтправьте %s %s (%s)", checkout.Order.ID, inv.Amount.String(), checkout.Method.Currency.Code, checkout.Method.Chain.Name)
	if inv.Address != "" {
		fmt.Fprintf(&sb, "\nна адрес:\n%s", inv.Address)
	}
	if inv.DestinationTag != "" {
		fmt.Fprintf(&sb, "\nMemo/Tag: %s", inv.DestinationTag)
	}
	sb.WriteString("\n\nПосле оплаты нажмите «Проверить оплату».")
	b.sendKeyboard(chatID, sb.String(), checkoutKeyboard(inv.PaymentURL, checkout.Order.ID))
}

// handleCheckPayment answers with a toast; the credit message itself comes
// from the Notifier when the order settles.
func (b *Bot) handleCheckPayment(ctx context.Context, cb *tgbotapi.CallbackQuery, orderID string) {
	paid, err := b.flow.CheckPayment(ctx, cb.From.ID, orderID)
	if err != nil {
		text, expected := userMessage(err)
		if !expected {
			b.log.Error("check payment", "order_id", orderID, "err", err)
		}
		b.answer(cb.ID, text)
		return
	}
	if paid {
		b.answer(cb.ID, "Оплата подтверждена ✅")
		return
	}
	b.answer(cb.ID, "Оплата ещё не поступила. Попробуйте через минуту.")
}

func (b *Bot) sendBalance(ctx context.Context, chatID, userID int64) {
	free, paid, err := b.flow.Balance(ctx, userID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	b.sendMenu(chatID, fmt.Sprintf("Баланс:\nБесплатные генерации: %d\nОплаченные генерации: %d", free, paid))
}

func (b *Bot) sendCatalog(chatID int64, page int) {
	list, err := b.catalog.List()
	if err != nil {
		b.log.Error("list templates", "err", err)
		b.sendText(chatID, genericErrorText)
		return
	}
	if len(list) == 0 {
		b.sendMenu(chatID, "Каталог пока пуст, загляните позже.")
		return
	}
	b.sendKeyboard(chatID, "Выберите мем:", catalogKeyboard(list, page))
}

func (b *Bot) sendPackages(chatID int64) {
	b.sendKeyboard(chatID, "Выберите пакет генераций:", packagesKeyboard())
}

func (b *Bot) sendUserReferral(ctx context.Context, chatID, userID int64) {
	if !b.cfg.ReferralEnabled {
		b.sendMenu(chatID, "Реферальная программа сейчас недоступна.")
		return
	}
	stats, err := b.referrals.Stats(ctx, userID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	text := fmt.Sprintf("Приглашайте друзей: за каждого вы оба получите %d генерацию.\n\nВаша ссылка:\n%s\n\nПриглашено: %d",
		b.cfg.ReferralBonus, b.referrals.UserLink(userID), stats.ReferredUsers)
	b.sendMenu(chatID, text)
}

func (b *Bot) sendExpertReferral(ctx context.Context, chatID, userID int64) {
	if !b.cfg.ReferralEnabled {
		b.sendMenu(chatID, "Реферальная программа сейчас недоступна.")
		return
	}
	stats, err := b.referrals.Stats(ctx, userID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	b.sendMenu(chatID, expertReferralText(b.cfg.ExpertCashbackPercent, b.referrals.ExpertLink(userID), stats))
}

func (b *Bot) sendAbout(chatID int64) {
	text := "MeeMee делает персональные мем-видео: выберите шаблон, введите имя и получите ролик.\n\nКоманды:\n/catalog — каталог мемов\n/balance — баланс\n/buy — купить генерации\n/referral — пригласить друга"
	if b.cfg.SupportUsername != "" {
		text += fmt.Sprintf("\n\nПоддержка: @%s", b.cfg.SupportUsername)
	}
	b.sendMenu(chatID, text)
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*models.User, error) {
	user, _, err := b.users.Ensure(ctx, profileOf(from), b.cfg.FreeQuotaPerUser)
	return user, err
}

func profileOf(from *tgbotapi.User) models.Profile {
	return models.Profile{
		ID:        from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}
}

func (b *Bot) replyError(chatID int64, err error) {
	text, expected := userMessage(err)
	if !expected {
		b.log.Error("handle update", "chat_id", chatID, "err", err)
	}
	b.sendText(chatID, text)
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.out.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) sendMenu(chatID int64, text string) {
	b.sendKeyboard(chatID, text, mainMenuKeyboard())
}

func (b *Bot) sendKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	if _, err := b.out.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}
