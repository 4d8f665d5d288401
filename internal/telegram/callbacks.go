package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/digkill/MeeMeeBot/internal/models"
)

type callbackKind int

const (
	cbUnknown callbackKind = iota
	cbMainMenu
	cbCatalog
	cbCatalogPage
	cbTemplate
	cbGender
	cbConfirm
	cbBuy
	cbPackage
	cbPayCard
	cbPayCrypto
	cbCryptoCurrency
	cbChain
	cbCheckPayment
	cbRefUser
	cbRefExpert
	cbAbout
)

// callback is the decoded form of inline button data.
type callback struct {
	kind     callbackKind
	page     int
	id       string
	gender   models.Gender
	currency string
	chain    int
}

var plainCallbacks = map[string]callbackKind{
	"main_menu":   cbMainMenu,
	"catalog":     cbCatalog,
	"confirm_gen": cbConfirm,
	"buy":         cbBuy,
	"pay_card":    cbPayCard,
	"pay_crypto":  cbPayCrypto,
	"ref_user":    cbRefUser,
	"ref_expert":  cbRefExpert,
	"about":       cbAbout,
}

func parseCallback(data string) callback {
	if kind, ok := plainCallbacks[data]; ok {
		return callback{kind: kind}
	}

	switch {
	case strings.HasPrefix(data, "catalog_page_"):
		page, err := strconv.Atoi(strings.TrimPrefix(data, "catalog_page_"))
		if err != nil || page < 0 {
			return callback{}
		}
		return callback{kind: cbCatalogPage, page: page}
	case strings.HasPrefix(data, "meme_"):
		if id := strings.TrimPrefix(data, "meme_"); id != "" {
			return callback{kind: cbTemplate, id: id}
		}
	case strings.HasPrefix(data, "gender_"):
		g := models.Gender(strings.TrimPrefix(data, "gender_"))
		if g.Valid() {
			return callback{kind: cbGender, gender: g}
		}
	case strings.HasPrefix(data, "pkg_"):
		if id := strings.TrimPrefix(data, "pkg_"); id != "" {
			return callback{kind: cbPackage, id: id}
		}
	case strings.HasPrefix(data, "crypto_"):
		if cur := strings.TrimPrefix(data, "crypto_"); cur != "" {
			return callback{kind: cbCryptoCurrency, currency: cur}
		}
	case strings.HasPrefix(data, "chain_"):
		rest := strings.TrimPrefix(data, "chain_")
		idx := strings.LastIndex(rest, "_")
		if idx <= 0 {
			return callback{}
		}
		chain, err := strconv.Atoi(rest[idx+1:])
		if err != nil || chain < 0 {
			return callback{}
		}
		return callback{kind: cbChain, currency: rest[:idx], chain: chain}
	case strings.HasPrefix(data, "check_"):
		if id := strings.TrimPrefix(data, "check_"); id != "" {
			return callback{kind: cbCheckPayment, id: id}
		}
	}
	return callback{}
}

func catalogPageData(page int) string {
	return fmt.Sprintf("catalog_page_%d", page)
}

func templateData(id string) string {
	return "meme_" + id
}

func genderData(g models.Gender) string {
	return "gender_" + string(g)
}

func packageData(id models.PackageID) string {
	return "pkg_" + string(id)
}

func cryptoData(code string) string {
	return "crypto_" + code
}

func chainData(code string, index int) string {
	return fmt.Sprintf("chain_%s_%d", code, index)
}

func checkData(orderID string) string {
	return "check_" + orderID
}
