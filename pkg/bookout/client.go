// Package bookout is a client for the third-party vehicle valuation
// provider's read API.
package bookout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/bookout-recon/internal/resilience"
)

const defaultBaseURL = "https://api.bookout.example.com/v1"

// Client reads base valuations and accessory pricing for a vehicle.
type Client interface {
	GetBaseValuation(ctx context.Context, req BaseRequest) (*BaseValuation, error)
	GetAccessoryPricing(ctx context.Context, vin string) (*AccessoryPricing, error)
}

// BaseRequest identifies the vehicle to price.
type BaseRequest struct {
	VIN     string
	Mileage int64
	Region  string
}

// ValueSet is one family of provider values.
type ValueSet struct {
	CleanTrade   FlexInt `json:"clean_trade"`
	AverageTrade FlexInt `json:"average_trade"`
	RoughTrade   FlexInt `json:"rough_trade"`
	CleanRetail  FlexInt `json:"clean_retail"`
	Loan         FlexInt `json:"loan"`
}

// BaseValuation is the response from GET {base}/valuations/base.
type BaseValuation struct {
	VIN               string   `json:"vin"`
	Base              ValueSet `json:"base"`
	Adjusted          ValueSet `json:"adjusted"`
	MileageAdjustment FlexInt  `json:"mileage_adjustment"`
}

// Accessory is one priced option reported by the provider.
type Accessory struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	TradeAdjustment  FlexInt  `json:"trade_adjustment"`
	RetailAdjustment FlexInt  `json:"retail_adjustment"`
	LoanAdjustment   FlexInt  `json:"loan_adjustment"`
	IncludedInBase   FlexBool `json:"included_in_base"`
}

// AccessoryPricing is the response from GET {base}/valuations/accessories.
type AccessoryPricing struct {
	VIN         string      `json:"vin"`
	Accessories []Accessory `json:"accessories"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API root. The root carries the version prefix
// (https://api.kbb.com/v1); endpoint paths are appended to it.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		if perSec <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a valuation provider client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) GetBaseValuation(ctx context.Context, req BaseRequest) (*BaseValuation, error) {
	if req.VIN == "" {
		return nil, eris.New("bookout: vin is required")
	}
	q := url.Values{}
	q.Set("vin", req.VIN)
	q.Set("mileage", strconv.FormatInt(req.Mileage, 10))
	if req.Region != "" {
		q.Set("region", req.Region)
	}

	var out BaseValuation
	if err := c.get(ctx, "/valuations/base", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) GetAccessoryPricing(ctx context.Context, vin string) (*AccessoryPricing, error) {
	if vin == "" {
		return nil, eris.New("bookout: vin is required")
	}
	q := url.Values{}
	q.Set("vin", vin)

	var out AccessoryPricing
	if err := c.get(ctx, "/valuations/accessories", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "bookout: rate limit wait")
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "bookout: create request")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrapf(err, "bookout: send request %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return eris.Wrap(err, "bookout: read response")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("bookout: %s unexpected status %d: %s", path, resp.StatusCode, truncate(body, 256))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return statusErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "bookout: decode %s", path)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
