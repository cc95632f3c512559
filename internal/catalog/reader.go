package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/metrics"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// ErrStorageError wraps any failure of a catalog-reader query;
// callers treat it as transient: the matcher reports no match and the
// pipeline skips esta-info for that frame, still committing the bus
// state with its updated history.
var ErrStorageError = errors.New("catalog: storage error")

// Reader answers read-only catalog queries backed by Postgres, with a
// time-to-live cache in front of SublinesOfRoute and
// OwningRouteOfSubline. SublinesServingStation is not cached.
type Reader struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	queryTimeout  time.Duration
	sublinesCache *ttlcache.Cache[int, map[int]Subline]
	ownerCache    *ttlcache.Cache[int, int]
}

func NewReader(pool *pgxpool.Pool, cacheTTL, queryTimeout time.Duration, logger *zap.Logger) *Reader {
	r := &Reader{
		pool:         pool,
		logger:       logger,
		queryTimeout: queryTimeout,
		sublinesCache: ttlcache.New(
			ttlcache.WithTTL[int, map[int]Subline](cacheTTL),
		),
		ownerCache: ttlcache.New(
			ttlcache.WithTTL[int, int](cacheTTL),
		),
	}
	go r.sublinesCache.Start()
	go r.ownerCache.Start()
	return r
}

// Close stops the cache eviction goroutines.
func (r *Reader) Close() {
	r.sublinesCache.Stop()
	r.ownerCache.Stop()
}

// SublinesOfRoute returns the ordered stop list for every subline of
// mainRouteID, keyed by subline id. The empty map is
// returned, with a nil error, when the route has no sublines.
func (r *Reader) SublinesOfRoute(ctx context.Context, mainRouteID int) (map[int]Subline, error) {
	if item := r.sublinesCache.Get(mainRouteID); item != nil {
		metrics.CatalogCacheTotal.WithLabelValues("sublines", "hit").Inc()
		return item.Value(), nil
	}
	metrics.CatalogCacheTotal.WithLabelValues("sublines", "miss").Inc()

	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(queryCtx, `
		SELECT s.subline_id, s.main_route_id, st.stop_id, st.code, st.name, st.ref, st.lat, st.lng
		FROM sublines s
		JOIN subline_stops ss ON ss.subline_id = s.subline_id
		JOIN stops st ON st.stop_id = ss.stop_id
		WHERE s.main_route_id = $1
		ORDER BY s.subline_id, ss.sequence ASC`,
		mainRouteID,
	)
	metrics.CatalogQueryDuration.WithLabelValues("sublines_of_route").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("catalog").Inc()
		r.logger.Error("sublines_of_route query failed", zap.Int("main_route_id", mainRouteID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer rows.Close()

	result := make(map[int]Subline)
	for rows.Next() {
		var (
			sublineID, subMainRouteID int
			stopID                    int64
			code, name, ref           string
			lat, lng                  float64
		)
		if err := rows.Scan(&sublineID, &subMainRouteID, &stopID, &code, &name, &ref, &lat, &lng); err != nil {
			metrics.StorageErrorsTotal.WithLabelValues("catalog").Inc()
			return nil, fmt.Errorf("%w: scanning row: %v", ErrStorageError, err)
		}

		sub, ok := result[sublineID]
		if !ok {
			sub = Subline{ID: sublineID, MainRouteID: subMainRouteID}
		}
		sub.Stops = append(sub.Stops, Stop{
			ID:       stopID,
			Code:     code,
			Name:     name,
			Ref:      ref,
			Position: wire.Coordinate{Lat: lat, Lng: lng},
		})
		result[sublineID] = sub
	}
	if err := rows.Err(); err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("catalog").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	r.sublinesCache.Set(mainRouteID, result, ttlcache.DefaultTTL)
	return result, nil
}

// OwningRouteOfSubline resolves the main route id that owns sublineID,
// used by the broadcaster to fan a subline-keyed message out to the
// correct subscriber set. ok is false when the
// subline id is unknown.
func (r *Reader) OwningRouteOfSubline(ctx context.Context, sublineID int) (mainRouteID int, ok bool, err error) {
	if item := r.ownerCache.Get(sublineID); item != nil {
		metrics.CatalogCacheTotal.WithLabelValues("owner", "hit").Inc()
		return item.Value(), true, nil
	}
	metrics.CatalogCacheTotal.WithLabelValues("owner", "miss").Inc()

	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	row := r.pool.QueryRow(queryCtx, `SELECT main_route_id FROM sublines WHERE subline_id = $1`, sublineID)
	err = row.Scan(&mainRouteID)
	metrics.CatalogQueryDuration.WithLabelValues("owning_route_of_subline").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		metrics.StorageErrorsTotal.WithLabelValues("catalog").Inc()
		r.logger.Error("owning_route_of_subline query failed", zap.Int("subline_id", sublineID), zap.Error(err))
		return 0, false, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	r.ownerCache.Set(sublineID, mainRouteID, ttlcache.DefaultTTL)
	return mainRouteID, true, nil
}

// SublinesServingStation returns the ids of all sublines that include
// stationID anywhere in their ordered stop list.
func (r *Reader) SublinesServingStation(ctx context.Context, stationID int64) ([]int, error) {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(queryCtx, `
		SELECT DISTINCT subline_id FROM subline_stops WHERE stop_id = $1`,
		stationID,
	)
	metrics.CatalogQueryDuration.WithLabelValues("sublines_serving_station").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("catalog").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %v", ErrStorageError, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
