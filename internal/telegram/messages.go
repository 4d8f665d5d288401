package telegram

import (
	"errors"
	"fmt"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/service"
)

const genericErrorText = "Что-то пошло не так, попробуйте позже."

// userMessage turns a flow error into a short reply. The second value is
// false when the error is unexpected and should be logged.
func userMessage(err error) (string, bool) {
	var vErr *service.ValidationError
	var pErr *service.PaymentProviderError
	switch {
	case errors.Is(err, service.ErrInsufficientQuota):
		return "У вас закончились генерации. Купите пакет, чтобы продолжить.", true
	case errors.Is(err, service.ErrTemplateNotFound):
		return "Шаблон не найден. Выберите другой в каталоге.", true
	case errors.Is(err, service.ErrTemplateUnavailable):
		return "Этот шаблон скоро появится. Выберите другой.", true
	case errors.Is(err, service.ErrUnexpectedInput):
		return "Сейчас это действие недоступно. Начните заново из меню.", true
	case errors.Is(err, service.ErrUnknownPackage):
		return "Такого пакета нет.", true
	case errors.Is(err, service.ErrOrderNotFound):
		return "Заказ не найден.", true
	case errors.As(err, &vErr):
		switch vErr.Field {
		case "name":
			return "Имя должно быть от 2 до 30 символов и без запрещённых слов. Попробуйте ещё раз.", true
		case "email":
			return "Введите корректный email для чека.", true
		case "gender":
			return "Выберите пол кнопкой ниже.", true
		case "currency", "chain":
			return "Эта валюта или сеть не поддерживается.", true
		}
		return "Проверьте введённые данные.", true
	case errors.As(err, &pErr):
		if errors.Is(pErr.Err, service.ErrPaymentUnavailable) {
			return "Этот способ оплаты сейчас недоступен.", true
		}
		return "Платёжная система не отвечает, попробуйте позже.", false
	}
	return genericErrorText, false
}

func expertReferralText(percent int, link string, stats *models.ReferralStats) string {
	return fmt.Sprintf("Для блогеров и экспертов: вы получаете %d%% с каждой покупки приглашённых пользователей.\n\nВаша ссылка:\n%s\n\nПриглашено: %d\nЗаработано кэшбэка: %s",
		percent, link, stats.ExpertReferrals, stats.TotalCashback.StringFixed(2))
}
