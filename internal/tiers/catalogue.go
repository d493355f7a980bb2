package tiers

import (
	"github.com/shopspring/decimal"
)

// DefaultEpsilon is one cent.
var DefaultEpsilon = decimal.New(1, -2)

// DefaultDailyRate applies to every paying tier of the built-in catalogue.
var DefaultDailyRate = decimal.RequireFromString("0.015")

type catalogueEntry struct {
	name  string
	min   int64
	color string
}

// Ordered by minimum deposit. Each tier runs up to one cent below the next.
var catalogue = []catalogueEntry{
	{ZeroTierName, 0, "#9ca3af"},
	{"Gold assets 1", 800, "#fde047"},
	{"Oil assets 1", 1200, "#a16207"},
	{"Real estate assets 1", 1500, "#f97316"},
	{"Total assets 1", 2700, "#ea580c"},
	{"Gold asset 2", 3000, "#facc15"},
	{"Oil asset 2", 3200, "#854d0e"},
	{"Real estate asset 2", 4000, "#d97706"},
	{"Total assets 2", 5600, "#b45309"},
	{"All invest", 12000, "#78350f"},
	{"Large Scale Investment", 13000, "#451a03"},
}

// DefaultTiers builds the standard catalogue with the given daily rate for
// paying tiers. The zero tier earns nothing.
func DefaultTiers(dailyRate decimal.Decimal) []Tier {
	out := make([]Tier, len(catalogue))
	for i, e := range catalogue {
		t := Tier{
			Name:            e.name,
			MinDeposit:      decimal.NewFromInt(e.min),
			DailyReturnRate: dailyRate,
			Color:           e.color,
		}
		if i == 0 {
			t.DailyReturnRate = decimal.Zero
		}
		if i < len(catalogue)-1 {
			upper := decimal.NewFromInt(catalogue[i+1].min).Sub(DefaultEpsilon)
			t.MaxDeposit = &upper
		}
		out[i] = t
	}
	return out
}

// Default returns the standard catalogue at DefaultDailyRate.
func Default() *Table {
	t, err := NewTable(DefaultTiers(DefaultDailyRate), DefaultEpsilon)
	if err != nil {
		panic("tiers: built-in catalogue is invalid: " + err.Error())
	}
	return t
}
