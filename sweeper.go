package offlinecache

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

type SweepResult struct {
	Scanned int `json:"scanned"`
	Evicted int `json:"evicted"`
	Kept    int `json:"kept"`
	// Entries without a readable timestamp. They never expire.
	Untimed int `json:"untimed"`
	// Request URIs of the evicted entries, or the raw key if it is not one of ours.
	EvictedURIs []string `json:"evictedUris,omitempty"`
}

// Sweeper evicts aged entries from a namespace.
type Sweeper struct {
	cache     cache.CacheProvider
	keyer     cachekey.CacheKeyer
	namespace string
	maxAge    time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewSweeper(c cache.CacheProvider, keyer cachekey.CacheKeyer, namespace string, maxAge time.Duration, now func() time.Time, logger zerolog.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		cache:     c,
		keyer:     keyer,
		namespace: namespace,
		maxAge:    maxAge,
		now:       now,
		log:       logger.With().Str("namespace", namespace).Logger(),
	}
}

// Sweep deletes every entry whose response is older than the max age.
// The age is taken from the timestamp stored with the response.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	entries, err := s.cache.All(ctx, s.namespace)
	if err != nil {
		return result, fmt.Errorf("list %s: %w", s.namespace, err)
	}
	cutoff := s.now().Add(-s.maxAge)
	for _, entry := range entries {
		result.Scanned++
		responseTime, ok := serializer.Timestamp(entry.Bytes)
		if !ok {
			s.log.Trace().Str("key", entry.Key).Msg("No timestamp, keeping entry")
			result.Untimed++
			result.Kept++
			continue
		}
		if !responseTime.Before(cutoff) {
			result.Kept++
			continue
		}
		if _, err := s.cache.Delete(ctx, s.namespace, entry.Key); err != nil {
			return result, fmt.Errorf("delete %s: %w", entry.Key, err)
		}
		uri := entry.Key
		if req, err := s.keyer.GetRequestFromKey(entry.Key); err == nil {
			uri = req.URL.RequestURI()
		}
		s.log.Trace().Str("uri", uri).Time("responseTime", responseTime).Msg("Evicted entry")
		result.Evicted++
		result.EvictedURIs = append(result.EvictedURIs, uri)
	}
	s.log.Debug().
		Int("scanned", result.Scanned).
		Int("evicted", result.Evicted).
		Int("kept", result.Kept).
		Msg("Swept cache")
	return result, nil
}

// Run sweeps once per interval until the context is done.
// Errors are logged and the next sweep is attempted as usual.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.log.Info().Msgf("Starting cache sweep loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Stopping cache sweep loop")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("Could not sweep cache")
			}
		}
	}
}
