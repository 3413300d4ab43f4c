package ingester

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"invest-loader/internal/models"
)

// Once-failed requests retry with their priority pushed behind every first
// attempt in the run.
const secondChancePriority = 1_000_000

// admitter is the slice of Limiter the fetcher needs.
type admitter interface {
	Acquire(ctx context.Context, priority int64) error
	Observe(h http.Header)
}

// fetcher walks the yearly archives of a single instrument, from the year of
// its last stored candle up to the current one. All tickets it enqueues
// carry its base priority, taken from a run-wide counter at spawn, so
// instruments that started earlier finish earlier when tokens are scarce.
type fetcher struct {
	client     *http.Client
	limiter    admitter
	extract    *extractPool
	historyURL string
	token      string

	instrument models.Instrument
	priority   int64
	firstYear  int
	now        func() time.Time
}

// run requests one year per iteration and emits the extracted CSV for every
// archive received. HTTP failures are terminal for this instrument only: the
// first one earns a retry of the same year at demoted priority, the second
// is logged and ends the walk. A 404 is the normal "no earlier data" signal.
// The returned error is nil except for extraction failures, emit failures
// and cancellation, which the orchestrator treats as fatal for the run.
func (f *fetcher) run(ctx context.Context, emit func(csv []byte) error) error {
	figi := *f.instrument.FIGI
	uid := []byte(f.instrument.UID.String())
	id := []byte(strconv.FormatInt(f.instrument.ID, 10))

	priority := f.priority
	firstChanceFailed := false
	start := f.now()
	year := f.firstYear
	years := 0

loop:
	for year <= f.now().Year() {
		if err := f.limiter.Acquire(ctx, priority); err != nil {
			return err
		}

		log.Debug().Str("figi", figi).Int("year", year).Msg("requesting history")
		status, header, body, err := f.get(ctx, figi, year)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else {
			f.limiter.Observe(header)
		}

		switch {
		case err == nil && status >= 200 && status < 300:
			if firstChanceFailed {
				firstChanceFailed = false
				priority -= secondChancePriority
			}
			csv, err := f.extract.Extract(ctx, body, uid, id)
			if err != nil {
				return fmt.Errorf("%s %d: %w", figi, year, err)
			}
			log.Debug().Str("figi", figi).Int("year", year).Msg("received history")
			if err := emit(csv); err != nil {
				return err
			}
			years++
			if year == f.now().Year() {
				break loop
			}
			year++

		case err == nil && status == http.StatusNotFound:
			// Earliest available year reached (or nothing yet this year).
			log.Debug().Str("figi", figi).Int("year", year).Msg("end of history")
			break loop

		default:
			message := requestFailure(status, header, err)
			if firstChanceFailed {
				log.Error().Str("figi", figi).Int("year", year).Str("reason", message).
					Msg("history request failed twice, giving up on instrument")
				break loop
			}
			log.Warn().Str("figi", figi).Int("year", year).Str("reason", message).
				Msg("history request failed, retrying at demoted priority")
			firstChanceFailed = true
			priority += secondChancePriority
		}
	}

	log.Debug().Str("figi", figi).Int("years", years).Dur("elapsed", f.now().Sub(start)).
		Msg("downloaded instrument history")
	return nil
}

func (f *fetcher) get(ctx context.Context, figi string, year int) (int, http.Header, []byte, error) {
	u := fmt.Sprintf("%s?figi=%s&year=%d", f.historyURL, url.QueryEscape(figi), year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// requestFailure renders the server's message header when there is one, the
// status line otherwise, the transport error when the request never got a
// response. Timeouts land here too and follow the same second-chance rule.
func requestFailure(status int, header http.Header, err error) string {
	if err != nil {
		return err.Error()
	}
	if message := header.Get("message"); message != "" {
		return message
	}
	return fmt.Sprintf("%d %s, no message", status, http.StatusText(status))
}
