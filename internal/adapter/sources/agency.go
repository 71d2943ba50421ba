package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
)

// agencyResponse is one station reading from the hydrology agency API.
type agencyResponse struct {
	ID           flexID    `json:"id"`
	Name         string    `json:"name"`
	Value        flexFloat `json:"value"`
	Unit         string    `json:"unit"`
	WarningLevel flexFloat `json:"warning_level"`
	DangerLevel  flexFloat `json:"danger_level"`
	Status       string    `json:"status"`
	ObservedAt   string    `json:"observed_at"`
}

// fetchAgency requests each configured series separately; the agency API
// has no batch endpoint.
func (c *Client) fetchAgency(ctx context.Context, ep settings.Endpoint, p settings.BasinParams) ([]domain.Observation, error) {
	var (
		obs  []domain.Observation
		errs []error
	)
	for _, sp := range p.Series {
		u := fmt.Sprintf("%s/%s/%s", baseURL(ep), agencyPath(sp.Type), url.PathEscape(sp.ID))
		var resp agencyResponse
		if err := c.getJSON(ctx, u, ep, &resp); err != nil {
			errs = append(errs, fmt.Errorf("agency %s %s: %w", sp.Type, sp.ID, err))
			continue
		}
		obs = append(obs, normalizeAgency(sp, resp))
	}
	return obs, errors.Join(errs...)
}

func agencyPath(t domain.SeriesType) string {
	if t == domain.SeriesRainfall {
		return "rainfall"
	}
	return "river"
}

// normalizeAgency maps an agency reading onto an observation keyed by the
// requested series id. The embedded series id is whatever the upstream
// reported, which may differ from the request.
func normalizeAgency(sp settings.SeriesParam, r agencyResponse) domain.Observation {
	reading := domain.AgencyReading{
		SeriesID:   string(r.ID),
		Name:       r.Name,
		Value:      r.Value.v,
		Unit:       r.Unit,
		Status:     r.Status,
		ObservedAt: parseUpstreamTime(r.ObservedAt),
	}
	if sp.Type == domain.SeriesWaterLevel {
		reading.WarningLevel = r.WarningLevel.v
		reading.DangerLevel = r.DangerLevel.v
	}
	return domain.Observation{
		Type:    sp.Type,
		Key:     sp.ID,
		Payload: domain.NewAgencyPayload(reading),
	}
}
