// Package revalue reprices a valuation for a resolved line item selection.
// The provider is tried first; any provider failure falls back to pricing
// from the locally stored line item adjustments.
package revalue

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/monitoring"
	"github.com/sells-group/bookout-recon/internal/resilience"
	"github.com/sells-group/bookout-recon/pkg/bookout"
)

// Source names the path that produced a Result's values.
type Source string

const (
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
)

// DefaultTimeout bounds one provider round trip (both endpoints).
const DefaultTimeout = 10 * time.Second

// Request is everything needed to reprice a valuation.
type Request struct {
	Vehicle    model.VehicleIdentity
	Mileage    int64
	Region     string
	FinalCodes []string
	Current    model.ValuationValues
	LineItems  []model.LineItem
}

// Result has the same shape whichever path ran. Error is set only when the
// fallback itself failed; ProviderError explains why the provider was not
// used.
type Result struct {
	Success       bool                  `json:"success"`
	Source        Source                `json:"source"`
	Values        model.ValuationValues `json:"values"`
	Error         error                 `json:"-"`
	ProviderError string                `json:"provider_error,omitempty"`
}

// Orchestrator runs the provider path with a timeout and circuit breaker.
type Orchestrator struct {
	client  bookout.Client
	breaker *resilience.Breaker
	timeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *Orchestrator) {
		o.breaker = b
	}
}

// New returns an Orchestrator. A nil client always falls back.
func New(client bookout.Client, opts ...Option) *Orchestrator {
	cfg := resilience.DefaultBreakerConfig()
	cfg.OnChange = monitoring.BreakerChanged
	o := &Orchestrator{
		client:  client,
		breaker: resilience.NewBreaker("bookout", cfg),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Revaluate prices req. Provider failures are recovered by the fallback and
// reported in ProviderError; only a fallback failure leaves Success false.
func (o *Orchestrator) Revaluate(ctx context.Context, req Request) Result {
	values, err := o.Primary(ctx, req)
	if err == nil {
		monitoring.ObserveRevaluation(string(SourceProvider))
		return Result{Success: true, Source: SourceProvider, Values: values}
	}

	zap.L().Warn("revalue: provider failed, using stored adjustments",
		zap.String("vin", req.Vehicle.VIN),
		zap.Int("final_codes", len(req.FinalCodes)),
		zap.Error(err),
	)

	res := Result{Source: SourceFallback, ProviderError: err.Error()}
	values, ferr := Fallback(req)
	if ferr != nil {
		monitoring.ObserveRevaluation("failed")
		res.Error = ferr
		return res
	}
	monitoring.ObserveRevaluation(string(SourceFallback))
	res.Success = true
	res.Values = values
	return res
}

// Primary prices req from the provider. Every error it returns wraps
// apperr.ErrProviderFailure.
func (o *Orchestrator) Primary(ctx context.Context, req Request) (model.ValuationValues, error) {
	if o.client == nil {
		return model.ValuationValues{}, eris.Wrap(apperr.ErrProviderFailure, "revalue: no provider configured")
	}
	if !req.Vehicle.Known() {
		return model.ValuationValues{}, eris.Wrap(apperr.ErrProviderFailure, "revalue: missing vehicle identity")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	values, err := resilience.Call(ctx, o.breaker, func(ctx context.Context) (model.ValuationValues, error) {
		base, acc, err := o.fetch(ctx, req)
		if err != nil {
			return model.ValuationValues{}, err
		}
		return priceFromProvider(base, acc, req.FinalCodes)
	})
	if err != nil {
		return model.ValuationValues{}, eris.Wrapf(apperr.ErrProviderFailure, "revalue: %v", err)
	}
	return values, nil
}

func (o *Orchestrator) fetch(ctx context.Context, req Request) (*bookout.BaseValuation, *bookout.AccessoryPricing, error) {
	var (
		base *bookout.BaseValuation
		acc  *bookout.AccessoryPricing
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		var err error
		base, err = o.client.GetBaseValuation(gctx, bookout.BaseRequest{
			VIN:     req.Vehicle.VIN,
			Mileage: req.Mileage,
			Region:  req.Region,
		})
		monitoring.ObserveProvider("base", time.Since(start), err)
		return err
	})
	g.Go(func() error {
		start := time.Now()
		var err error
		acc, err = o.client.GetAccessoryPricing(gctx, req.Vehicle.VIN)
		monitoring.ObserveProvider("accessories", time.Since(start), err)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return base, acc, nil
}

// priceFromProvider adds the mileage adjustment and the adjustments of every
// final code the provider does not already count in its base price. Final
// codes the provider does not price contribute nothing.
func priceFromProvider(base *bookout.BaseValuation, acc *bookout.AccessoryPricing, finalCodes []string) (model.ValuationValues, error) {
	b := base.Base
	if !b.CleanTrade.Valid || !b.CleanRetail.Valid || !b.Loan.Valid {
		return model.ValuationValues{}, eris.New("revalue: provider base values incomplete")
	}

	priced := make(map[string]bookout.Accessory, len(acc.Accessories))
	for _, a := range acc.Accessories {
		priced[model.NormalizeCode(a.Code)] = a
	}

	var total adjSum
	for _, code := range finalCodes {
		a, ok := priced[model.NormalizeCode(code)]
		if !ok {
			zap.L().Debug("revalue: final code not priced by provider", zap.String("code", code))
			continue
		}
		if a.IncludedInBase {
			continue
		}
		total.add(model.Totals{
			Trade:  a.TradeAdjustment.Int(),
			Retail: a.RetailAdjustment.Int(),
			Loan:   a.LoanAdjustment.Int(),
		})
	}

	current := model.ValuationValues{
		BaseCleanTrade:   b.CleanTrade.Int(),
		BaseAverageTrade: b.AverageTrade.Int(),
		BaseRoughTrade:   b.RoughTrade.Int(),
		BaseCleanRetail:  b.CleanRetail.Int(),
		BaseLoan:         b.Loan.Int(),
		MileageAdj:       base.MileageAdjustment.Int(),
	}
	return adjust(current, total)
}

// Fallback prices req from the stored line items: the current base values
// and mileage adjustment plus the adjustments of every final code that is
// not factory installed. It does no I/O.
func Fallback(req Request) (model.ValuationValues, error) {
	if len(req.LineItems) == 0 {
		return model.ValuationValues{}, eris.Wrap(apperr.ErrInvalidInput, "revalue: valuation has no line items to price")
	}

	final := make(map[string]bool, len(req.FinalCodes))
	for _, c := range req.FinalCodes {
		final[model.NormalizeCode(c)] = true
	}

	var total adjSum
	for _, li := range req.LineItems {
		if li.FactoryInstalled || !final[model.NormalizeCode(li.Code)] {
			continue
		}
		total.add(li.Adjustment())
	}
	return adjust(req.Current, total)
}

func adjust(v model.ValuationValues, s adjSum) (model.ValuationValues, error) {
	if s.overflow {
		return model.ValuationValues{}, eris.Wrap(apperr.ErrInvalidInput, "revalue: adjustment total out of range")
	}
	var err error
	add := func(parts ...int64) int64 {
		var out int64
		for _, p := range parts {
			var ok bool
			if out, ok = addInt(out, p); !ok {
				err = eris.Wrap(apperr.ErrInvalidInput, "revalue: adjusted value out of range")
			}
		}
		return out
	}
	v.AdjCleanTrade = add(v.BaseCleanTrade, v.MileageAdj, s.t.Trade)
	v.AdjAverageTrade = add(v.BaseAverageTrade, v.MileageAdj, s.t.Trade)
	v.AdjRoughTrade = add(v.BaseRoughTrade, v.MileageAdj, s.t.Trade)
	v.AdjCleanRetail = add(v.BaseCleanRetail, v.MileageAdj, s.t.Retail)
	v.AdjLoan = add(v.BaseLoan, v.MileageAdj, s.t.Loan)
	if err != nil {
		return model.ValuationValues{}, err
	}
	return v, nil
}

type adjSum struct {
	t        model.Totals
	overflow bool
}

func (s *adjSum) add(t model.Totals) {
	var ok1, ok2, ok3 bool
	s.t.Trade, ok1 = addInt(s.t.Trade, t.Trade)
	s.t.Retail, ok2 = addInt(s.t.Retail, t.Retail)
	s.t.Loan, ok3 = addInt(s.t.Loan, t.Loan)
	if !ok1 || !ok2 || !ok3 {
		s.overflow = true
	}
}

func addInt(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}
