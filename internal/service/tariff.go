package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tariffCacheKey      = "tariffs:alternative_rates"
	tariffStaleCacheKey = "tariffs:alternative_rates:stale"
	tariffFetchTimeout  = 10 * time.Second
)

// Tariff is one network's wholesale data rate
type Tariff struct {
	PLMN        string  `json:"plmn"`
	NetworkName string  `json:"network_name"`
	CountryName string  `json:"country_name"`
	DataRate    float64 `json:"data_rate"`
}

type feedTariff struct {
	PLMN        string      `json:"PLMN"`
	NetworkName string      `json:"NetworkName"`
	CountryName string      `json:"CountryName"`
	DataRate    json.Number `json:"DataRate"`
}

// TariffService serves the wholesale rate feed through a Redis cache. When the
// feed cannot be fetched the last good copy is served.
type TariffService struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	cache      Cache
	log        *zerolog.Logger
}

func NewTariffService(url string, ttl time.Duration, cache Cache, logger *zerolog.Logger) *TariffService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TariffService{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: tariffFetchTimeout},
		cache:      cache,
		log:        logger,
	}
}

// Tariffs returns the current rate list.
func (s *TariffService) Tariffs(ctx context.Context) ([]Tariff, error) {
	var cached []Tariff
	if err := s.cache.Get(ctx, tariffCacheKey, &cached); err == nil {
		return cached, nil
	}

	fresh, fetchErr := s.fetch(ctx)
	if fetchErr == nil {
		if err := s.cache.Set(ctx, tariffCacheKey, fresh, s.ttl); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache tariffs")
		}
		if err := s.cache.Set(ctx, tariffStaleCacheKey, fresh, 0); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache stale tariffs")
		}
		return fresh, nil
	}

	var stale []Tariff
	if err := s.cache.Get(ctx, tariffStaleCacheKey, &stale); err == nil {
		s.log.Warn().Err(fetchErr).Int("tariffs", len(stale)).Msg("tariff feed unavailable, serving stale copy")
		return stale, nil
	}
	return nil, fetchErr
}

// RateFor returns the minimum positive rate listed for country, or 0.
func RateFor(tariffs []Tariff, country string) float64 {
	var best float64
	for _, t := range tariffs {
		if t.CountryName != country || t.DataRate <= 0 {
			continue
		}
		if best == 0 || t.DataRate < best {
			best = t.DataRate
		}
	}
	return best
}

func (s *TariffService) fetch(ctx context.Context) ([]Tariff, error) {
	ctx, span := otel.Tracer("esimpay/tariff").Start(ctx, "tariff.fetch")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tariff request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch tariffs: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tariff feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tariffs: %w", err)
	}

	var feed []feedTariff
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to decode tariffs: %w", err)
	}
	if len(feed) == 0 {
		return nil, errors.New("tariff feed is empty")
	}

	tariffs := make([]Tariff, 0, len(feed))
	for _, f := range feed {
		rate, err := f.DataRate.Float64()
		if err != nil {
			continue
		}
		tariffs = append(tariffs, Tariff{
			PLMN:        f.PLMN,
			NetworkName: f.NetworkName,
			CountryName: f.CountryName,
			DataRate:    rate,
		})
	}
	span.SetAttributes(attribute.Int("tariff.count", len(tariffs)))
	return tariffs, nil
}
