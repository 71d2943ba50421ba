package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
)

// gaugeStatus is the flood hub's current status for one gauge.
type gaugeStatus struct {
	GaugeID       flexID    `json:"gaugeId"`
	Severity      string    `json:"severity"`
	ForecastTrend string    `json:"forecastTrend"`
	ForecastValue flexFloat `json:"forecastValue"`
	IssuedTime    string    `json:"issuedTime"`
}

// gaugeInfo is static gauge metadata.
type gaugeInfo struct {
	GaugeID    flexID `json:"gaugeId"`
	SiteName   string `json:"siteName"`
	Thresholds struct {
		WarningLevel       flexFloat `json:"warningLevel"`
		DangerLevel        flexFloat `json:"dangerLevel"`
		ExtremeDangerLevel flexFloat `json:"extremeDangerLevel"`
	} `json:"thresholds"`
}

func (c *Client) fetchGlobal(ctx context.Context, ep settings.Endpoint, p settings.BasinParams) ([]domain.Observation, error) {
	var (
		obs  []domain.Observation
		errs []error
	)
	for _, sp := range p.Series {
		info, err := c.gaugeInfo(ctx, ep, sp.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("global gauge %s metadata: %w", sp.ID, err))
			continue
		}
		var st gaugeStatus
		u := fmt.Sprintf("%s/gauges/%s/status", baseURL(ep), url.PathEscape(sp.ID))
		if err := c.getJSON(ctx, u, ep, &st); err != nil {
			errs = append(errs, fmt.Errorf("global gauge %s status: %w", sp.ID, err))
			continue
		}
		obs = append(obs, normalizeGlobal(sp, info, st))
	}
	return obs, errors.Join(errs...)
}

// gaugeInfo returns cached metadata, fetching it on a miss.
func (c *Client) gaugeInfo(ctx context.Context, ep settings.Endpoint, id string) (gaugeInfo, error) {
	key := baseURL(ep) + "|" + id
	if info, ok := c.gauges.Get(key); ok {
		c.metrics.GaugeCache.WithLabelValues("hit").Inc()
		return info, nil
	}
	c.metrics.GaugeCache.WithLabelValues("miss").Inc()

	var info gaugeInfo
	u := fmt.Sprintf("%s/gauges/%s", baseURL(ep), url.PathEscape(id))
	if err := c.getJSON(ctx, u, ep, &info); err != nil {
		return gaugeInfo{}, err
	}
	c.gauges.Add(key, info)
	return info, nil
}

// normalizeGlobal combines gauge metadata with its latest status.
func normalizeGlobal(sp settings.SeriesParam, info gaugeInfo, st gaugeStatus) domain.Observation {
	id := string(st.GaugeID)
	if id == "" {
		id = string(info.GaugeID)
	}
	return domain.Observation{
		Type: sp.Type,
		Key:  sp.ID,
		Payload: domain.NewGlobalPayload(domain.GlobalForecast{
			GaugeID:       id,
			Name:          info.SiteName,
			Severity:      st.Severity,
			Trend:         st.ForecastTrend,
			ForecastValue: st.ForecastValue.v,
			WarningLevel:  info.Thresholds.WarningLevel.v,
			DangerLevel:   info.Thresholds.DangerLevel.v,
			ExtremeLevel:  info.Thresholds.ExtremeDangerLevel.v,
			IssuedAt:      parseUpstreamTime(st.IssuedTime),
		}),
	}
}
