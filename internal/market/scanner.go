package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polyscalp/internal/config"
	"polyscalp/pkg/types"
)

// Scanner discovers short-duration BTC up/down markets from the Gamma API.
// The engine reads descriptor batches from Results() and adds any market it
// is not already trading. Matching is by slug prefix (e.g.
// "bitcoin-up-or-down") plus a lifetime cap so only the 15-minute series
// qualifies, not the hourly or daily variants.

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	StartDate             string  `json:"startDate"`
	EndDate               string  `json:"endDate"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
}

// ScanResult is one discovery batch, soonest-ending market first.
type ScanResult struct {
	Markets   []types.MarketDescriptor
	ScannedAt time.Time
}

// Scanner polls the Gamma API for tradeable 15-minute markets.
type Scanner struct {
	httpClient *resty.Client
	cfg        config.ScannerConfig
	logger     *slog.Logger
	resultCh   chan ScanResult
}

// NewScanner creates a market scanner.
func NewScanner(cfg config.Config, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		httpClient: client,
		cfg:        cfg.Scanner,
		logger:     logger.With("component", "scanner"),
		resultCh:   make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	// Immediate scan on startup
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	markets, err := s.fetchMarkets(ctx)
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}

	selected := s.selectMarkets(markets, time.Now())

	s.logger.Info("scan complete", "total", len(markets), "selected", len(selected))

	result := ScanResult{Markets: selected, ScannedAt: time.Now()}

	// Non-blocking send, replacing any stale result
	select {
	case s.resultCh <- result:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- result
	}
}

func (s *Scanner) fetchMarkets(ctx context.Context) ([]GammaMarket, error) {
	var allMarkets []GammaMarket
	offset := 0
	limit := 100

	for {
		var page []GammaMarket
		resp, err := s.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		allMarkets = append(allMarkets, page...)

		if len(page) < limit {
			break
		}
		offset += limit
	}

	return allMarkets, nil
}

// selectMarkets filters to live slug-matching markets with enough life left
// and converts them to descriptors, soonest-ending first.
func (s *Scanner) selectMarkets(markets []GammaMarket, now time.Time) []types.MarketDescriptor {
	prefix := strings.ToLower(strings.TrimSpace(s.cfg.SlugPrefix))

	var out []types.MarketDescriptor
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
			continue
		}
		if prefix != "" && !strings.HasPrefix(strings.ToLower(m.Slug), prefix) {
			continue
		}

		endDate, err := time.Parse(time.RFC3339, m.EndDate)
		if err != nil {
			continue
		}
		timeLeft := endDate.Sub(now)
		if timeLeft < s.cfg.MinTimeLeft {
			continue
		}
		// Reject longer-lived series sharing the slug prefix.
		if s.cfg.MaxDuration > 0 {
			if start, err := time.Parse(time.RFC3339, m.StartDate); err == nil {
				if endDate.Sub(start) > s.cfg.MaxDuration {
					continue
				}
			} else if timeLeft > s.cfg.MaxDuration {
				continue
			}
		}

		desc, err := toDescriptor(m, endDate)
		if err != nil {
			s.logger.Debug("skipping market", "slug", m.Slug, "error", err)
			continue
		}
		out = append(out, desc)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EndTime.Before(out[j].EndTime)
	})
	return out
}

// toDescriptor converts a Gamma API record into a MarketDescriptor.
// The clobTokenIds field is a JSON array string like "[\"id1\",\"id2\"]"
// ordered [YES, NO].
func toDescriptor(gm GammaMarket, endDate time.Time) (types.MarketDescriptor, error) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
		return types.MarketDescriptor{}, fmt.Errorf("parse clobTokenIds: %w", err)
	}
	if len(tokenIDs) < 2 {
		return types.MarketDescriptor{}, fmt.Errorf("market %s: expected 2 token IDs, got %d", gm.ID, len(tokenIDs))
	}

	var tickSize types.TickSize
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tickSize = types.Tick01
	case 0.001:
		tickSize = types.Tick0001
	case 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	return types.MarketDescriptor{
		MarketID:    gm.ID,
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		TokenYes:    tokenIDs[0],
		TokenNo:     tokenIDs[1],
		EndTime:     endDate,
		MinTick:     tickSize,
		NegRisk:     gm.NegRisk,
	}, nil
}
