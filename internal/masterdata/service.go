package masterdata

import (
	"context"
	"fmt"
)

// LocationRepository loads stock locations.
type LocationRepository interface {
	Location(ctx context.Context, id int64) (Location, error)
}

// Locations resolves stock locations and their owning warehouse.
type Locations struct {
	repo LocationRepository
}

// NewLocations constructs Locations.
func NewLocations(repo LocationRepository) *Locations {
	return &Locations{repo: repo}
}

// Location returns the location with id.
func (l *Locations) Location(ctx context.Context, id int64) (Location, error) {
	return l.repo.Location(ctx, id)
}

// Countable loads an internal location eligible for a physical count.
func (l *Locations) Countable(ctx context.Context, id int64) (Location, error) {
	loc, err := l.repo.Location(ctx, id)
	if err != nil {
		return Location{}, err
	}
	if loc.Usage != UsageInternal {
		return Location{}, fmt.Errorf("masterdata: location %s is %s, not internal", loc.Name, loc.Usage)
	}
	return loc, nil
}
