// Package host owns the process-wide resources (database pool, API clients,
// downloader) and exposes the three operator commands on top of them.
package host

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"invest-loader/internal/config"
	"invest-loader/internal/ingester"
	"invest-loader/internal/invest"
	"invest-loader/internal/repository"
)

type Host struct {
	cfg     *config.Config
	repo    *repository.Repository
	invest  *invest.Client
	service *ingester.Service
}

func New(ctx context.Context, cfg *config.Config) (*Host, error) {
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &Host{
		cfg:    cfg,
		repo:   repo,
		invest: invest.NewClient(cfg.InstrumentsURL, cfg.Token),
		service: ingester.NewService(repo, ingester.Config{
			HistoryURL: cfg.HistoryURL,
			Token:      cfg.Token,
		}),
	}, nil
}

func (h *Host) Close() {
	h.repo.Close()
	log.Debug().Msg("host shut down")
}

// Deploy creates the database, the schema and the asset type rows.
func (h *Host) Deploy(ctx context.Context) error {
	return h.repo.Deploy(ctx, invest.AssetTypes)
}

// UpdateInstruments syncs instrument metadata for the given asset types (all
// when empty), upserting each type's batch as it arrives. The first failed
// type aborts the sync after the in-flight downloads drain.
func (h *Host) UpdateInstruments(ctx context.Context, assetTypes []string) error {
	start := time.Now()
	log.Info().Msg("updating instruments")

	count := 0
	var firstErr error
	for batch := range h.invest.Instruments(ctx, assetTypes) {
		if batch.Err != nil {
			if firstErr == nil {
				firstErr = batch.Err
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		if err := h.repo.AddInstruments(ctx, batch.AssetType, batch.Instruments); err != nil {
			firstErr = err
			continue
		}
		count += len(batch.Instruments)
	}
	if firstErr != nil {
		return firstErr
	}

	log.Info().Int("count", count).Dur("elapsed", time.Since(start)).Msg("updated instruments")
	return nil
}

// DownloadHistory downloads candle history for the given FIGIs, or for every
// known instrument when the list is empty.
func (h *Host) DownloadHistory(ctx context.Context, figis []string) error {
	return h.service.DownloadHistory(ctx, figis)
}
