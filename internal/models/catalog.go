package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

type PackageID string

const (
	PackageSingle PackageID = "single"
	Package10     PackageID = "pack_10"
	Package100    PackageID = "pack_100"
	Package300    PackageID = "pack_300"
)

const (
	CurrencyRUB  = "RUB"
	CurrencyUSDT = "USDT"
)

type Package struct {
	ID          PackageID
	Title       string
	Generations int
	PriceUSDT   decimal.Decimal
	PriceRUB    decimal.Decimal
}

// Price returns the package price for the given payment rail.
func (p Package) Price(kind PaymentKind) (decimal.Decimal, string) {
	if kind == PaymentFiat {
		return p.PriceRUB, CurrencyRUB
	}
	return p.PriceUSDT, CurrencyUSDT
}

var packages = map[PackageID]Package{
	PackageSingle: {ID: PackageSingle, Title: "1 генерация", Generations: 1, PriceUSDT: decimal.RequireFromString("5.8"), PriceRUB: decimal.NewFromInt(580)},
	Package10:     {ID: Package10, Title: "10 генераций", Generations: 10, PriceUSDT: decimal.NewFromInt(50), PriceRUB: decimal.NewFromInt(5000)},
	Package100:    {ID: Package100, Title: "100 генераций", Generations: 100, PriceUSDT: decimal.NewFromInt(400), PriceRUB: decimal.NewFromInt(40000)},
	Package300:    {ID: Package300, Title: "300 генераций", Generations: 300, PriceUSDT: decimal.NewFromInt(1000), PriceRUB: decimal.NewFromInt(100000)},
}

// LookupPackage returns the catalog entry for id.
func LookupPackage(id PackageID) (Package, bool) {
	p, ok := packages[id]
	return p, ok
}

// Packages lists the catalog ordered by generation count.
func Packages() []Package {
	out := make([]Package, 0, len(packages))
	for _, p := range packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generations < out[j].Generations })
	return out
}

type Chain struct {
	Code string
	Name string
	// PayCurrency is the gateway ticker for this currency on this network.
	PayCurrency string
}

type CryptoCurrency struct {
	Code   string
	Chains []Chain
}

// SupportedCrypto is the closed set of accepted currencies and their networks.
var SupportedCrypto = []CryptoCurrency{
	{Code: "USDT", Chains: []Chain{
		{Code: "ERC20", Name: "Ethereum Mainnet", PayCurrency: "USDT (ERC20)"},
		{Code: "TRC20", Name: "Tron", PayCurrency: "USDT (TRC20)"},
		{Code: "BEP20", Name: "BSC", PayCurrency: "USDT (BEP20)"},
		{Code: "POLYGON", Name: "Polygon", PayCurrency: "USDT (POLYGON)"},
		{Code: "ARB1", Name: "Arbitrum One", PayCurrency: "USDT (ARB1)"},
		{Code: "TON", Name: "TON", PayCurrency: "USDT (TON)"},
	}},
	{Code: "USDC", Chains: []Chain{
		{Code: "ERC20", Name: "Ethereum Mainnet", PayCurrency: "USDC (ERC20)"},
		{Code: "BEP20", Name: "BSC", PayCurrency: "USDC (BEP20)"},
		{Code: "POLYGON", Name: "Polygon", PayCurrency: "USDC (POLYGON)"},
		{Code: "BASE", Name: "Base", PayCurrency: "USDC (BASE)"},
	}},
	{Code: "TON", Chains: []Chain{
		{Code: "TON", Name: "TON", PayCurrency: "TON"},
	}},
}

// LookupCrypto finds a supported currency by code.
func LookupCrypto(code string) (CryptoCurrency, bool) {
	for _, c := range SupportedCrypto {
		if c.Code == code {
			return c, true
		}
	}
	return CryptoCurrency{}, false
}

// Chain returns the network at index i of the currency.
func (c CryptoCurrency) Chain(i int) (Chain, bool) {
	if i < 0 || i >= len(c.Chains) {
		return Chain{}, false
	}
	return c.Chains[i], true
}
