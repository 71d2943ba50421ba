package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
)

type continentalResponse struct {
	Stations []continentalStation `json:"stations"`
}

type continentalStation struct {
	StationID  flexID    `json:"station_id"`
	Name       string    `json:"name"`
	Discharge  flexFloat `json:"discharge"`
	Thresholds struct {
		RP2  flexFloat `json:"rp2"`
		RP5  flexFloat `json:"rp5"`
		RP20 flexFloat `json:"rp20"`
	} `json:"thresholds"`
	Probabilities struct {
		RP2  flexFloat `json:"rp2"`
		RP5  flexFloat `json:"rp5"`
		RP20 flexFloat `json:"rp20"`
	} `json:"probabilities"`
	ForecastDate string `json:"forecast_date"`
}

// fetchContinental requests every configured station in one call. Extra
// basin params are passed through as query parameters.
func (c *Client) fetchContinental(ctx context.Context, ep settings.Endpoint, p settings.BasinParams) ([]domain.Observation, error) {
	if len(p.Series) == 0 {
		return nil, nil
	}
	ids := make([]string, len(p.Series))
	for i, sp := range p.Series {
		ids[i] = sp.ID
	}
	q := url.Values{"stations": {strings.Join(ids, ",")}}
	for k, v := range p.Params {
		q.Set(k, v)
	}

	var resp continentalResponse
	if err := c.getJSON(ctx, baseURL(ep)+"/forecasts?"+q.Encode(), ep, &resp); err != nil {
		return nil, fmt.Errorf("continental forecasts: %w", err)
	}
	return normalizeContinental(p.Series, resp), nil
}

// normalizeContinental keeps the stations that were requested. A requested
// station missing from the response yields no observation this cycle.
func normalizeContinental(series []settings.SeriesParam, resp continentalResponse) []domain.Observation {
	byID := make(map[string]continentalStation, len(resp.Stations))
	for _, s := range resp.Stations {
		byID[string(s.StationID)] = s
	}
	obs := make([]domain.Observation, 0, len(series))
	for _, sp := range series {
		s, ok := byID[sp.ID]
		if !ok {
			continue
		}
		obs = append(obs, domain.Observation{
			Type: sp.Type,
			Key:  sp.ID,
			Payload: domain.NewContinentalPayload(domain.ContinentalForecast{
				StationID:    string(s.StationID),
				Name:         s.Name,
				Discharge:    s.Discharge.v,
				RP2:          s.Thresholds.RP2.v,
				RP5:          s.Thresholds.RP5.v,
				RP20:         s.Thresholds.RP20.v,
				ProbRP2:      s.Probabilities.RP2.v,
				ProbRP5:      s.Probabilities.RP5.v,
				ProbRP20:     s.Probabilities.RP20.v,
				ForecastDate: parseUpstreamTime(s.ForecastDate),
			}),
		})
	}
	return obs
}
