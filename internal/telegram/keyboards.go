package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/templates"
)

const catalogPageSize = 6

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🎬 Каталог мемов", "catalog")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💳 Купить генерации", "buy")),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👥 Пригласить друга", "ref_user"),
			tgbotapi.NewInlineKeyboardButtonData("⭐ Экспертам", "ref_expert"),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("ℹ️ О боте", "about")),
	)
}

func backToMenuRow() []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« В меню", "main_menu"))
}

// catalogKeyboard shows one page of templates. Pages past the end are clamped.
func catalogKeyboard(list []templates.Template, page int) tgbotapi.InlineKeyboardMarkup {
	pages := (len(list) + catalogPageSize - 1) / catalogPageSize
	if pages == 0 {
		pages = 1
	}
	if page >= pages {
		page = pages - 1
	}
	if page < 0 {
		page = 0
	}

	start := page * catalogPageSize
	end := start + catalogPageSize
	if end > len(list) {
		end = len(list)
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, tpl := range list[start:end] {
		label := tpl.Name
		if !tpl.Available() {
			label += " (скоро)"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, templateData(tpl.ID))))
	}

	var nav []tgbotapi.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("◀️", catalogPageData(page-1)))
	}
	if page < pages-1 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("▶️", catalogPageData(page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	rows = append(rows, backToMenuRow())
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func genderKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👦 Мальчик", genderData(models.GenderMale)),
			tgbotapi.NewInlineKeyboardButtonData("👧 Девочка", genderData(models.GenderFemale)),
		),
	)
}

func confirmKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Создать видео", "confirm_gen")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« К каталогу", "catalog")),
	)
}

func packagesKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, pkg := range models.Packages() {
		label := fmt.Sprintf("%s · %s ₽ / %s USDT", pkg.Title, pkg.PriceRUB.String(), pkg.PriceUSDT.String())
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, packageData(pkg.ID))))
	}
	rows = append(rows, backToMenuRow())
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func paymentMethodKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💳 Картой", "pay_card")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🪙 Криптовалютой", "pay_crypto")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« К пакетам", "buy")),
	)
}

func cryptoCurrencyKeyboard() tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, cur := range models.SupportedCrypto {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(cur.Code, cryptoData(cur.Code)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« Назад", "buy")))
}

func chainKeyboard(cur models.CryptoCurrency) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, chain := range cur.Chains {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(chain.Name, chainData(cur.Code, i))))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« Назад", "pay_crypto")))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// checkoutKeyboard links to the provider page and offers a manual status check.
func checkoutKeyboard(paymentURL, orderID string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if paymentURL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Перейти к оплате", paymentURL)))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Проверить оплату", checkData(orderID))),
		backToMenuRow(),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func afterVideoKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🎬 Ещё мем", "catalog")),
		backToMenuRow(),
	)
}
