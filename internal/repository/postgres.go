package repository

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"invest-loader/internal/models"
)

// SQLSTATE for "database does not exist" (invalid_catalog_name).
const undefinedDatabaseCode = "3D000"

type Repository struct {
	db    *pgxpool.Pool
	dbURL string

	// Asset type name -> id, resolved once per process. Concurrent first
	// callers serialize on the mutex while the cache loads.
	assetTypesMu sync.Mutex
	assetTypes   map[string]int32
}

func New(ctx context.Context, dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool, dbURL: dbURL}, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS asset_type (
	id integer GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name text NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS instrument (
	id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	uid uuid NOT NULL UNIQUE,
	figi text,
	name text NOT NULL,
	asset_type integer NOT NULL REFERENCES asset_type (id),
	lot integer NOT NULL,
	otc_flag boolean NOT NULL,
	for_qual_investor_flag boolean NOT NULL,
	api_trade_available_flag boolean NOT NULL,
	first_1min_candle_date timestamp,
	first_1day_candle_date timestamp
);

CREATE TABLE IF NOT EXISTS candle (
	instrument bigint NOT NULL REFERENCES instrument (id),
	timestamp timestamp NOT NULL,
	open double precision NOT NULL,
	close double precision NOT NULL,
	high double precision NOT NULL,
	low double precision NOT NULL,
	volume bigint NOT NULL,
	PRIMARY KEY (instrument, timestamp)
);`

// Deploy creates the schema and the static asset type rows. When the target
// database itself is missing, it is created through a connection to the
// server's default database and the schema attempt is retried exactly once.
// Idempotent.
func (r *Repository) Deploy(ctx context.Context, assetTypes []string) error {
	start := time.Now()

	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		if !isUndefinedDatabase(err) {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if err := r.createDatabase(ctx); err != nil {
			return err
		}
		// Second attempt, now against the fresh database.
		if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, name := range assetTypes {
		batch.Queue(`INSERT INTO asset_type (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	}
	if err := r.sendBatch(ctx, batch, len(assetTypes)); err != nil {
		return fmt.Errorf("failed to insert asset types: %w", err)
	}

	r.assetTypesMu.Lock()
	r.assetTypes = nil
	r.assetTypesMu.Unlock()

	log.Debug().Dur("elapsed", time.Since(start)).Msg("database deployed")
	return nil
}

// createDatabase connects to the maintenance database on the same server and
// issues CREATE DATABASE for the configured one.
func (r *Repository) createDatabase(ctx context.Context) error {
	connConfig, err := pgx.ParseConfig(r.dbURL)
	if err != nil {
		return fmt.Errorf("unable to parse db url: %w", err)
	}
	dbName := connConfig.Database
	connConfig.Database = "postgres"

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to maintenance database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	log.Info().Str("database", dbName).Msg("created database")
	return nil
}

const upsertInstrumentSQL = `
INSERT INTO instrument (uid, figi, name, asset_type, lot, otc_flag, for_qual_investor_flag, api_trade_available_flag, first_1min_candle_date, first_1day_candle_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (uid) DO UPDATE SET
	figi = EXCLUDED.figi,
	name = EXCLUDED.name,
	asset_type = EXCLUDED.asset_type,
	lot = EXCLUDED.lot,
	otc_flag = EXCLUDED.otc_flag,
	for_qual_investor_flag = EXCLUDED.for_qual_investor_flag,
	api_trade_available_flag = EXCLUDED.api_trade_available_flag,
	first_1min_candle_date = EXCLUDED.first_1min_candle_date,
	first_1day_candle_date = EXCLUDED.first_1day_candle_date`

// AddInstruments upserts a batch of instruments of one asset type, keyed on
// uid. Every non-PK column is overwritten with the incoming value.
func (r *Repository) AddInstruments(ctx context.Context, assetType string, instruments []models.Instrument) error {
	start := time.Now()

	types, err := r.assetTypeIDs(ctx)
	if err != nil {
		return err
	}
	typeID, ok := types[assetType]
	if !ok {
		return fmt.Errorf("unknown asset type %q", assetType)
	}

	batch := &pgx.Batch{}
	for _, in := range instruments {
		batch.Queue(upsertInstrumentSQL,
			in.UID, in.FIGI, in.Name, typeID, in.Lot,
			in.OTCFlag, in.ForQualInvestorFlag, in.APITradeAvailableFlag,
			in.First1MinCandleDate, in.First1DayCandleDate,
		)
	}
	if err := r.sendBatch(ctx, batch, len(instruments)); err != nil {
		return fmt.Errorf("failed to upsert %s batch: %w", assetType, err)
	}

	log.Debug().
		Int("count", len(instruments)).
		Str("asset_type", assetType).
		Dur("elapsed", time.Since(start)).
		Msg("saved instruments")
	return nil
}

func (r *Repository) sendBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return br.Close()
}

func (r *Repository) assetTypeIDs(ctx context.Context) (map[string]int32, error) {
	r.assetTypesMu.Lock()
	defer r.assetTypesMu.Unlock()
	if r.assetTypes != nil {
		return r.assetTypes, nil
	}

	start := time.Now()
	rows, err := r.db.Query(ctx, `SELECT id, name FROM asset_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset types: %w", err)
	}
	defer rows.Close()

	types := make(map[string]int32)
	for rows.Next() {
		var (
			id   int32
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		types[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.assetTypes = types
	log.Debug().Int("count", len(types)).Dur("elapsed", time.Since(start)).Msg("read asset types")
	return types, nil
}

const historyEndingsSQL = `
SELECT i.id, i.uid, i.figi, i.name, i.asset_type, i.lot, i.otc_flag, i.for_qual_investor_flag, i.api_trade_available_flag,
       i.first_1min_candle_date, i.first_1day_candle_date,
       COALESCE(c.latest, i.first_1min_candle_date) AS history_end
FROM instrument i
LEFT JOIN (
	SELECT instrument, MAX(timestamp) AS latest
	FROM candle
	GROUP BY instrument
) c ON c.instrument = i.id
WHERE i.figi IS NOT NULL AND i.first_1min_candle_date IS NOT NULL`

// HistoryEndings returns, for each instrument with a FIGI and a known
// earliest candle date, the latest stored candle timestamp (or that earliest
// date when no candles exist), ordered ascending so the instruments furthest
// behind are fetched first. A non-empty figis slice restricts the result.
func (r *Repository) HistoryEndings(ctx context.Context, figis []string) ([]models.HistoryEnding, error) {
	start := time.Now()

	query := historyEndingsSQL
	var args []any
	if len(figis) > 0 {
		query += ` AND i.figi = ANY($1)`
		args = append(args, figis)
	}
	query += ` ORDER BY history_end`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history endings: %w", err)
	}
	defer rows.Close()

	var endings []models.HistoryEnding
	for rows.Next() {
		var e models.HistoryEnding
		if err := rows.Scan(
			&e.Instrument.ID, &e.Instrument.UID, &e.Instrument.FIGI, &e.Instrument.Name,
			&e.Instrument.AssetTypeID, &e.Instrument.Lot, &e.Instrument.OTCFlag,
			&e.Instrument.ForQualInvestorFlag, &e.Instrument.APITradeAvailableFlag,
			&e.Instrument.First1MinCandleDate, &e.Instrument.First1DayCandleDate,
			&e.HistoryEnd,
		); err != nil {
			return nil, err
		}
		endings = append(endings, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.Debug().Int("count", len(endings)).Dur("elapsed", time.Since(start)).Msg("received history endings")
	return endings, nil
}

// SaveCandleHistory streams one rewritten history CSV into the candle table.
// The bytes go through COPY into a session temp table and are merged with ON
// CONFLICT DO NOTHING, so re-running the same archive never fails on the
// (instrument, timestamp) primary key.
func (r *Repository) SaveCandleHistory(ctx context.Context, csv []byte) error {
	start := time.Now()

	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tmp := tempCandleTable()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE candle) ON COMMIT DROP`, tmp)); err != nil {
		return fmt.Errorf("failed to create temp table: %w", err)
	}

	copySQL := fmt.Sprintf(`COPY %s (instrument, timestamp, open, close, high, low, volume) FROM STDIN CSV DELIMITER ';'`, tmp)
	if _, err := tx.Conn().PgConn().CopyFrom(ctx, bytes.NewReader(csv), copySQL); err != nil {
		return fmt.Errorf("failed to copy candles: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO candle SELECT * FROM %s ON CONFLICT DO NOTHING`, tmp)); err != nil {
		return fmt.Errorf("failed to merge candles: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Debug().
		Float64("megabytes", float64(len(csv))/(1<<20)).
		Dur("elapsed", time.Since(start)).
		Msg("saved candle history")
	return nil
}

// tempCandleTable names a per-transaction staging table. The random suffix
// keeps concurrent COPY transactions on different pooled connections from
// colliding in the same temp namespace.
func tempCandleTable() string {
	u := uuid.New()
	return "candle_" + hex.EncodeToString(u[:])
}

func isUndefinedDatabase(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedDatabaseCode
}
