package service

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/digkill/MeeMeeBot/internal/models"
)

// PaymentMethod is either a CryptoMethod or a FiatMethod.
type PaymentMethod interface {
	Kind() models.PaymentKind
}

// CryptoMethod pays in a stablecoin or TON on one concrete chain.
type CryptoMethod struct {
	Currency models.CryptoCurrency
	Chain    models.Chain
}

func (CryptoMethod) Kind() models.PaymentKind { return models.PaymentCrypto }

// NewCryptoMethod validates the currency code and chain index against the supported list.
func NewCryptoMethod(currency string, chainIndex int) (CryptoMethod, error) {
	cur, ok := models.LookupCrypto(strings.ToUpper(strings.TrimSpace(currency)))
	if !ok {
		return CryptoMethod{}, &ValidationError{Field: "currency", Reason: "unsupported currency"}
	}
	chain, ok := cur.Chain(chainIndex)
	if !ok {
		return CryptoMethod{}, &ValidationError{Field: "chain", Reason: "unsupported chain"}
	}
	return CryptoMethod{Currency: cur, Chain: chain}, nil
}

// FiatMethod pays by card; the email receives the fiscal receipt.
type FiatMethod struct {
	Email string
}

func (FiatMethod) Kind() models.PaymentKind { return models.PaymentFiat }

func NewFiatMethod(v *validator.Validate, email string) (FiatMethod, error) {
	email = strings.TrimSpace(email)
	if err := v.Var(email, "required,email,max=254"); err != nil {
		return FiatMethod{}, &ValidationError{Field: "email", Reason: "must be a valid email address"}
	}
	return FiatMethod{Email: email}, nil
}
