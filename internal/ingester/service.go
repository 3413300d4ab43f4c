// Package ingester implements the candle history downloader: a rate-limited
// concurrent fetch of yearly archive files, extraction off the I/O path, and
// COPY-based bulk loads into the candle table.
package ingester

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"invest-loader/internal/models"
)

// CandleStore is the slice of the repository the downloader needs.
type CandleStore interface {
	HistoryEndings(ctx context.Context, figis []string) ([]models.HistoryEnding, error)
	SaveCandleHistory(ctx context.Context, csv []byte) error
}

type Config struct {
	HistoryURL string
	Token      string

	// Client is shared by every fetcher. Optional; the default allows five
	// minutes per archive, which covers the largest yearly files.
	Client *http.Client
}

type Service struct {
	store   CandleStore
	limiter *Limiter
	extract *extractPool
	client  *http.Client
	config  Config
	now     func() time.Time
}

func NewService(store CandleStore, cfg Config) *Service {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Service{
		store:   store,
		limiter: NewLimiter(),
		extract: newExtractPool(),
		client:  client,
		config:  cfg,
		now:     time.Now,
	}
}

// DownloadHistory fans out one fetcher per instrument needing history and
// one save per extracted CSV. Fetcher-side HTTP failures stay contained in
// their instrument; the first extraction or save failure cancels the run.
func (s *Service) DownloadHistory(ctx context.Context, figis []string) error {
	start := s.now()

	endings, err := s.store.HistoryEndings(ctx, figis)
	if err != nil {
		return err
	}
	if len(endings) == 0 {
		log.Warn().Msg("no instruments with known history endings, run update-instruments first")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The watcher lives exactly as long as the run; no fetcher refcounting.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		s.limiter.Run(runCtx)
	}()

	var (
		fetchWG  sync.WaitGroup
		saveWG   sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, ending := range endings {
		f := &fetcher{
			client:     s.client,
			limiter:    s.limiter,
			extract:    s.extract,
			historyURL: s.config.HistoryURL,
			token:      s.config.Token,
			instrument: ending.Instrument,
			priority:   int64(i),
			firstYear:  ending.HistoryEnd.Year(),
			now:        s.now,
		}

		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			err := f.run(runCtx, func(csv []byte) error {
				saveWG.Add(1)
				go func() {
					defer saveWG.Done()
					if err := s.store.SaveCandleHistory(runCtx, csv); err != nil {
						fail(err)
					}
				}()
				return runCtx.Err()
			})
			if err != nil && runCtx.Err() == nil {
				fail(err)
			}
		}()
	}

	fetchWG.Wait()
	saveWG.Wait()
	cancel()
	<-watcherDone

	if firstErr != nil {
		return firstErr
	}
	log.Info().Int("instruments", len(endings)).Dur("elapsed", s.now().Sub(start)).
		Msg("candle history downloaded")
	return nil
}
