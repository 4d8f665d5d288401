package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/service"
)

// Sender is the part of *tgbotapi.BotAPI used to talk to users.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// VideoFetcher downloads videos Telegram cannot fetch by URL itself.
type VideoFetcher interface {
	Download(ctx context.Context, uri string) ([]byte, string, error)
}

// Notifier pushes generation results and payment confirmations to chats.
// Private chat IDs equal Telegram user IDs.
type Notifier struct {
	api     Sender
	log     *slog.Logger
	fetcher VideoFetcher
}

// NewNotifier builds a notifier. fetcher may be nil, in which case videos
// are only ever sent by URL.
func NewNotifier(api Sender, log *slog.Logger, fetcher VideoFetcher) *Notifier {
	return &Notifier{api: api, log: log, fetcher: fetcher}
}

// DeliverVideo sends the video by URL and falls back to uploading the bytes
// when Telegram cannot reach the URL, e.g. provider links behind an API key.
func (n *Notifier) DeliverVideo(ctx context.Context, gen *models.Generation) error {
	caption := fmt.Sprintf("Готово! «%s» для %s 🎉", gen.TemplateName, gen.Name)

	video := tgbotapi.NewVideo(gen.UserID, tgbotapi.FileURL(gen.VideoURL))
	video.Caption = caption
	video.SupportsStreaming = true
	video.ReplyMarkup = afterVideoKeyboard()
	_, err := n.api.Send(video)
	if err != nil && n.fetcher != nil {
		n.log.Warn("send video by url failed, uploading", "generation_id", gen.ID, "err", err)
		err = n.upload(ctx, gen, caption)
	}
	if err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	n.log.Info("video delivered", "generation_id", gen.ID, "user_id", gen.UserID)
	return nil
}

func (n *Notifier) upload(ctx context.Context, gen *models.Generation, caption string) error {
	data, _, err := n.fetcher.Download(ctx, gen.VideoURL)
	if err != nil {
		return err
	}
	video := tgbotapi.NewVideo(gen.UserID, tgbotapi.FileBytes{Name: gen.ID + ".mp4", Bytes: data})
	video.Caption = caption
	video.SupportsStreaming = true
	video.ReplyMarkup = afterVideoKeyboard()
	_, err = n.api.Send(video)
	return err
}

func (n *Notifier) GenerationFailed(_ context.Context, gen *models.Generation, refunded bool) error {
	text := "Не удалось создать видео."
	if service.IsTimeout(gen.Error) {
		text = "Генерация заняла слишком много времени и была остановлена."
	}
	if refunded {
		text += " Генерация возвращена на баланс."
	}
	msg := tgbotapi.NewMessage(gen.UserID, text)
	msg.ReplyMarkup = afterVideoKeyboard()
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}

func (n *Notifier) PaymentReceived(_ context.Context, order *models.Order, pkg models.Package) error {
	text := fmt.Sprintf("Оплата заказа %s получена! Начислено генераций: %d.", order.ID, pkg.Generations)
	msg := tgbotapi.NewMessage(order.UserID, text)
	msg.ReplyMarkup = mainMenuKeyboard()
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("send payment notice: %w", err)
	}
	return nil
}
