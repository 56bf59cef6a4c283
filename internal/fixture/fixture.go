// Package fixture loads a valuation, its line items, and an optional
// verdict list from YAML into a store.
package fixture

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/store"
)

// Source is recorded on validation runs imported from a fixture.
const Source = "fixture"

// Document is the YAML layout of a fixture file.
type Document struct {
	Valuation ValuationDoc  `yaml:"valuation"`
	LineItems []LineItemDoc `yaml:"line_items"`
	Run       *RunDoc       `yaml:"run,omitempty"`
}

// ValuationDoc describes the priced vehicle.
type ValuationDoc struct {
	ID        string                `yaml:"id"`
	TenantID  string                `yaml:"tenant_id"`
	VehicleID string                `yaml:"vehicle_id"`
	Provider  string                `yaml:"provider"`
	Vehicle   model.VehicleIdentity `yaml:"vehicle"`
	Mileage   int64                 `yaml:"mileage"`
	Region    string                `yaml:"region"`
	Values    ValuesDoc             `yaml:"values"`
}

// ValuesDoc holds base and adjusted values. Adjusted values left at zero
// are derived from base values, mileage, and the selected items.
type ValuesDoc struct {
	BaseCleanTrade   int64 `yaml:"base_clean_trade"`
	BaseAverageTrade int64 `yaml:"base_average_trade"`
	BaseRoughTrade   int64 `yaml:"base_rough_trade"`
	BaseCleanRetail  int64 `yaml:"base_clean_retail"`
	BaseLoan         int64 `yaml:"base_loan"`
	MileageAdj       int64 `yaml:"mileage_adj"`

	AdjCleanTrade   int64 `yaml:"adj_clean_trade"`
	AdjAverageTrade int64 `yaml:"adj_average_trade"`
	AdjRoughTrade   int64 `yaml:"adj_rough_trade"`
	AdjCleanRetail  int64 `yaml:"adj_clean_retail"`
	AdjLoan         int64 `yaml:"adj_loan"`
}

// LineItemDoc describes one option.
type LineItemDoc struct {
	Code             string   `yaml:"code"`
	Name             string   `yaml:"name"`
	Category         string   `yaml:"category"`
	CleanTrade       int64    `yaml:"clean_trade"`
	CleanRetail      int64    `yaml:"clean_retail"`
	Loan             int64    `yaml:"loan"`
	Selected         bool     `yaml:"selected"`
	Available        *bool    `yaml:"available"`
	FactoryInstalled bool     `yaml:"factory_installed"`
	Includes         []string `yaml:"includes"`
	Excludes         []string `yaml:"excludes"`
}

// RunDoc is a validation run with its verdicts.
type RunDoc struct {
	ID       string          `yaml:"id"`
	Source   string          `yaml:"source"`
	Verdicts []model.Verdict `yaml:"verdicts"`
}

// Loaded is what Import wrote.
type Loaded struct {
	Valuation *model.Valuation
	LineItems []model.LineItem
	Run       *model.ValidationRun
}

// Parse decodes a fixture document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(apperr.ErrInvalidInput, "fixture: decode yaml: %v", err)
	}
	if doc.Valuation.VehicleID == "" || doc.Valuation.Provider == "" {
		return nil, eris.Wrap(apperr.ErrInvalidInput, "fixture: valuation needs vehicle_id and provider")
	}
	if len(doc.LineItems) == 0 {
		return nil, eris.Wrap(apperr.ErrInvalidInput, "fixture: no line items")
	}
	seen := make(map[string]bool, len(doc.LineItems))
	for i, li := range doc.LineItems {
		key := model.NormalizeCode(li.Code)
		if key == "" {
			return nil, eris.Wrapf(apperr.ErrInvalidInput, "fixture: line item %d has no code", i)
		}
		if seen[key] {
			return nil, eris.Wrapf(apperr.ErrInvalidInput, "fixture: duplicate line item code %q", li.Code)
		}
		seen[key] = true
	}
	if doc.Run != nil {
		if err := model.ValidateVerdicts(doc.Run.Verdicts); err != nil {
			return nil, eris.Wrap(err, "fixture: run")
		}
	}
	return &doc, nil
}

// Build converts the document into model values, assigning IDs where the
// document leaves them blank.
func (d *Document) Build() (*model.Valuation, []model.LineItem, *model.ValidationRun) {
	v := &model.Valuation{
		ID:        d.Valuation.ID,
		TenantID:  d.Valuation.TenantID,
		VehicleID: d.Valuation.VehicleID,
		Provider:  d.Valuation.Provider,
		Vehicle:   d.Valuation.Vehicle,
		Mileage:   d.Valuation.Mileage,
		Region:    d.Valuation.Region,
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}

	items := make([]model.LineItem, len(d.LineItems))
	for i, li := range d.LineItems {
		available := true
		if li.Available != nil {
			available = *li.Available
		}
		items[i] = model.LineItem{
			ID:               uuid.New().String(),
			ValuationID:      v.ID,
			Code:             li.Code,
			Name:             li.Name,
			Category:         li.Category,
			CleanTradeAdj:    li.CleanTrade,
			CleanRetailAdj:   li.CleanRetail,
			LoanAdj:          li.Loan,
			IsSelected:       li.Selected,
			IsAvailable:      available,
			FactoryInstalled: li.FactoryInstalled,
			IncludesCodes:    li.Includes,
			ExcludesCodes:    li.Excludes,
		}
	}
	v.Values = d.Valuation.Values.values(items)

	var run *model.ValidationRun
	if d.Run != nil {
		run = &model.ValidationRun{
			ID:          d.Run.ID,
			ValuationID: v.ID,
			Source:      d.Run.Source,
			Verdicts:    d.Run.Verdicts,
		}
		if run.ID == "" {
			run.ID = uuid.New().String()
		}
		if run.Source == "" {
			run.Source = Source
		}
	}
	return v, items, run
}

func (vd ValuesDoc) values(items []model.LineItem) model.ValuationValues {
	out := model.ValuationValues{
		BaseCleanTrade:   vd.BaseCleanTrade,
		BaseAverageTrade: vd.BaseAverageTrade,
		BaseRoughTrade:   vd.BaseRoughTrade,
		BaseCleanRetail:  vd.BaseCleanRetail,
		BaseLoan:         vd.BaseLoan,
		MileageAdj:       vd.MileageAdj,
		AdjCleanTrade:    vd.AdjCleanTrade,
		AdjAverageTrade:  vd.AdjAverageTrade,
		AdjRoughTrade:    vd.AdjRoughTrade,
		AdjCleanRetail:   vd.AdjCleanRetail,
		AdjLoan:          vd.AdjLoan,
	}
	var opt model.Totals
	for _, li := range items {
		if li.IsSelected && !li.FactoryInstalled {
			opt.Trade += li.CleanTradeAdj
			opt.Retail += li.CleanRetailAdj
			opt.Loan += li.LoanAdj
		}
	}
	derive := func(dst *int64, base, adj int64) {
		if *dst == 0 {
			*dst = base + vd.MileageAdj + adj
		}
	}
	derive(&out.AdjCleanTrade, vd.BaseCleanTrade, opt.Trade)
	derive(&out.AdjAverageTrade, vd.BaseAverageTrade, opt.Trade)
	derive(&out.AdjRoughTrade, vd.BaseRoughTrade, opt.Trade)
	derive(&out.AdjCleanRetail, vd.BaseCleanRetail, opt.Retail)
	derive(&out.AdjLoan, vd.BaseLoan, opt.Loan)
	return out
}

// Import writes the document's valuation, line items, and run to st.
func Import(ctx context.Context, st store.Repo, doc *Document) (*Loaded, error) {
	v, items, run := doc.Build()
	if err := st.CreateValuation(ctx, v, items); err != nil {
		return nil, eris.Wrap(err, "fixture: create valuation")
	}
	if run != nil {
		if err := st.CreateValidationRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "fixture: create validation run")
		}
	}
	zap.L().Info("fixture: imported",
		zap.String("valuation_id", v.ID),
		zap.Int("line_items", len(items)),
		zap.Bool("with_run", run != nil),
	)
	return &Loaded{Valuation: v, LineItems: items, Run: run}, nil
}

// ImportFile reads path and imports it.
func ImportFile(ctx context.Context, st store.Repo, path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fixture: read %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Import(ctx, st, doc)
}
