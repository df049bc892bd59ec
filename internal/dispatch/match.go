package dispatch

import (
	"context"
	"sort"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
)

// candidate is a proposed driver for a waiting booking. The proposal is made
// from a non-transactional read and must be re-validated inside the
// assignment transaction before it counts.
type candidate struct {
	driver models.Driver
	distKm float64
}

// matchCandidates lists available drivers with a known location sorted by
// haversine distance to the pickup, nearest first.
func (e *Engine) matchCandidates(ctx context.Context, pickup models.Coord) ([]candidate, error) {
	drivers, err := e.Store.ListAvailableDrivers(ctx)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.Location == nil {
			continue
		}
		dist, err := geo.DistanceKm(pickup, *d.Location)
		if err != nil {
			// driver reported garbage coordinates; skip
			continue
		}
		cands = append(cands, candidate{driver: d, distKm: dist})
	}
	if len(cands) == 0 {
		return nil, ErrNoCandidates
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].distKm < cands[j].distKm })
	return cands, nil
}
