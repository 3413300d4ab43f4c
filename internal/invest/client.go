// Package invest talks to the public invest API: the instruments metadata
// service (REST gateway) used by update-instruments. The history archive
// endpoint has its own driver in internal/ingester because of its
// header-learned rate limits.
package invest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"invest-loader/internal/models"
)

// AssetTypes lists every instrument class the loader tracks, in the order
// the reference rows are created.
var AssetTypes = []string{"bond", "currency", "etf", "future", "option", "share"}

// InstrumentsService method per asset type.
var instrumentMethods = map[string]string{
	"bond":     "Bonds",
	"currency": "Currencies",
	"etf":      "Etfs",
	"future":   "Futures",
	"option":   "Options",
	"share":    "Shares",
}

const instrumentsServicePath = "/tinkoff.public.invest.api.contract.v1.InstrumentsService/"

// The instruments service enforces its own per-minute unary quota, separate
// from the history endpoint's header-advertised one. 100/min is the
// documented floor across account tiers.
const instrumentsPerMinute = 100

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/instrumentsPerMinute), 1),
	}
}

// Batch is one asset type's worth of instruments, or the error that stopped
// its download.
type Batch struct {
	AssetType   string
	Instruments []models.Instrument
	Err         error
}

// Instruments downloads the instrument lists for the given asset types (all
// of them when the slice is empty), one request per type, concurrently. The
// channel yields batches in completion order and is closed when the last one
// is done.
func (c *Client) Instruments(ctx context.Context, assetTypes []string) <-chan Batch {
	selected := AssetTypes
	if len(assetTypes) > 0 {
		selected = assetTypes
	}

	out := make(chan Batch)
	var wg sync.WaitGroup
	for _, assetType := range selected {
		method, ok := instrumentMethods[assetType]
		if !ok {
			wg.Add(1)
			go func(assetType string) {
				defer wg.Done()
				out <- Batch{AssetType: assetType, Err: fmt.Errorf("unknown asset type %q", assetType)}
			}(assetType)
			continue
		}

		wg.Add(1)
		go func(assetType, method string) {
			defer wg.Done()
			instruments, err := c.list(ctx, method)
			out <- Batch{AssetType: assetType, Instruments: instruments, Err: err}
		}(assetType, method)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// apiInstrument mirrors the fields of the gateway's instrument record that
// the schema keeps. Remaining fields are ignored on decode.
type apiInstrument struct {
	UID                   string    `json:"uid"`
	FIGI                  string    `json:"figi"`
	Name                  string    `json:"name"`
	Lot                   int32     `json:"lot"`
	OTCFlag               bool      `json:"otcFlag"`
	ForQualInvestorFlag   bool      `json:"forQualInvestorFlag"`
	APITradeAvailableFlag bool      `json:"apiTradeAvailableFlag"`
	First1MinCandleDate   time.Time `json:"first1MinCandleDate"`
	First1DayCandleDate   time.Time `json:"first1DayCandleDate"`
}

func (c *Client) list(ctx context.Context, method string) ([]models.Instrument, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	url := c.baseURL + instrumentsServicePath + method
	body := strings.NewReader(`{"instrumentStatus":"INSTRUMENT_STATUS_ALL"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instruments %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("instruments %s status: %s", method, resp.Status)
	}

	var result struct {
		Instruments []apiInstrument `json:"instruments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode instruments %s: %w", method, err)
	}

	instruments := make([]models.Instrument, 0, len(result.Instruments))
	for _, in := range result.Instruments {
		converted, err := convertInstrument(in)
		if err != nil {
			return nil, fmt.Errorf("instruments %s: %w", method, err)
		}
		instruments = append(instruments, converted)
	}

	log.Debug().
		Str("method", method).
		Int("count", len(instruments)).
		Dur("elapsed", time.Since(start)).
		Msg("received instruments")
	return instruments, nil
}

func convertInstrument(in apiInstrument) (models.Instrument, error) {
	uid, err := uuid.Parse(in.UID)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("instrument %q has bad uid %q: %w", in.Name, in.UID, err)
	}

	var figi *string
	if in.FIGI != "" {
		figi = &in.FIGI
	}

	return models.Instrument{
		UID:                   uid,
		FIGI:                  figi,
		Name:                  in.Name,
		Lot:                   in.Lot,
		OTCFlag:               in.OTCFlag,
		ForQualInvestorFlag:   in.ForQualInvestorFlag,
		APITradeAvailableFlag: in.APITradeAvailableFlag,
		First1MinCandleDate:   normalizeDate(in.First1MinCandleDate),
		First1DayCandleDate:   normalizeDate(in.First1DayCandleDate),
	}, nil
}

// normalizeDate strips the timezone down to UTC wall-clock and maps the
// epoch placeholder the gateway sends for "unknown" to NULL.
func normalizeDate(t time.Time) *time.Time {
	if t.IsZero() || t.Unix() == 0 {
		return nil
	}
	u := t.UTC()
	return &u
}
