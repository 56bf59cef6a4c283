package model

import (
	"time"
)

// VehicleIdentity is the key the valuation provider prices a vehicle by.
type VehicleIdentity struct {
	VIN   string `json:"vin" yaml:"vin"`
	Year  int    `json:"year,omitempty" yaml:"year"`
	Make  string `json:"make,omitempty" yaml:"make"`
	Model string `json:"model,omitempty" yaml:"model"`
	Trim  string `json:"trim,omitempty" yaml:"trim"`
}

// Known reports whether the identity carries enough to query a provider.
func (v VehicleIdentity) Known() bool {
	return v.VIN != ""
}

// ValuationValues holds base values (average condition and mileage) and
// adjusted values (condition, mileage, and options applied). All amounts are
// whole dollars.
type ValuationValues struct {
	BaseCleanTrade   int64 `json:"base_clean_trade"`
	BaseAverageTrade int64 `json:"base_average_trade"`
	BaseRoughTrade   int64 `json:"base_rough_trade"`
	BaseCleanRetail  int64 `json:"base_clean_retail"`
	BaseLoan         int64 `json:"base_loan"`

	AdjCleanTrade   int64 `json:"adj_clean_trade"`
	AdjAverageTrade int64 `json:"adj_average_trade"`
	AdjRoughTrade   int64 `json:"adj_rough_trade"`
	AdjCleanRetail  int64 `json:"adj_clean_retail"`
	AdjLoan         int64 `json:"adj_loan"`

	MileageAdj int64 `json:"mileage_adj"`
}

// Totals returns the headline trade/retail/loan figures for the values.
func (v ValuationValues) Totals() Totals {
	return Totals{
		Trade:  v.AdjCleanTrade,
		Retail: v.AdjCleanRetail,
		Loan:   v.AdjLoan,
	}
}

// Totals are the three reported valuation metrics. Trade is the canonical
// impact metric.
type Totals struct {
	Trade  int64 `json:"trade"`
	Retail int64 `json:"retail"`
	Loan   int64 `json:"loan"`
}

// Sub returns t - o.
func (t Totals) Sub(o Totals) Totals {
	return Totals{
		Trade:  t.Trade - o.Trade,
		Retail: t.Retail - o.Retail,
		Loan:   t.Loan - o.Loan,
	}
}

// Valuation is a priced vehicle record from one provider.
type Valuation struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	VehicleID string          `json:"vehicle_id"`
	Provider  string          `json:"provider"`
	Vehicle   VehicleIdentity `json:"vehicle"`
	Mileage   int64           `json:"mileage"`
	Region    string          `json:"region"`
	Values    ValuationValues `json:"values"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineItem is one priced optional feature on a valuation ("accessory").
type LineItem struct {
	ID               string   `json:"id"`
	ValuationID      string   `json:"valuation_id"`
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	Category         string   `json:"category,omitempty"`
	CleanTradeAdj    int64    `json:"clean_trade_adj"`
	CleanRetailAdj   int64    `json:"clean_retail_adj"`
	LoanAdj          int64    `json:"loan_adj"`
	IsSelected       bool     `json:"is_selected"`
	IsAvailable      bool     `json:"is_available"`
	FactoryInstalled bool     `json:"factory_installed"`
	IncludesCodes    []string `json:"includes_codes,omitempty"`
	ExcludesCodes    []string `json:"excludes_codes,omitempty"`
}

// Adjustment returns the item's per-metric value adjustment.
func (li LineItem) Adjustment() Totals {
	return Totals{
		Trade:  li.CleanTradeAdj,
		Retail: li.CleanRetailAdj,
		Loan:   li.LoanAdj,
	}
}

// SelectedCodes returns the codes of all selected items, in item order.
func SelectedCodes(items []LineItem) []string {
	var out []string
	for _, li := range items {
		if li.IsSelected {
			out = append(out, li.Code)
		}
	}
	return out
}

// CountSelected returns how many items are selected.
func CountSelected(items []LineItem) int {
	n := 0
	for _, li := range items {
		if li.IsSelected {
			n++
		}
	}
	return n
}
