package sor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/jdziat/ecoscan/pkg/pipeline"
)

var _ pipeline.PlaceFinder = (*Store)(nil)

// Facility kinds. A collection point search only returns collection points; the
// other searches return every kind.
const (
	FacilityCollectionPoint = "collection_point"
	FacilityRecyclingCenter = "recycling_center"
	FacilityStore           = "store"
)

const (
	defaultRadiusM = 2000
	maxPlaces      = 10
	earthRadiusM   = 6371000.0
)

// Facility is a place a user can bring waste to.
type Facility struct {
	ID        uint    `gorm:"primaryKey"`
	Name      string  `gorm:"size:256;not null;uniqueIndex:idx_facility_name_address"`
	Address   string  `gorm:"size:512;uniqueIndex:idx_facility_name_address"`
	Kind      string  `gorm:"size:32;index;not null"`
	Latitude  float64 `gorm:"index:idx_facility_position"`
	Longitude float64 `gorm:"index:idx_facility_position"`
	Accepts   string  `gorm:"size:512"`
}

// TableName returns the table name for GORM.
func (Facility) TableName() string {
	return "facilities"
}

// FindPlaces returns the facilities within the query radius, nearest first. Without
// a position it matches the query text against names, addresses and accepted items.
func (s *Store) FindPlaces(ctx context.Context, q pipeline.PlaceQuery) ([]pipeline.Place, error) {
	db := s.db.WithContext(ctx).Model(&Facility{})
	if q.Kind == pipeline.NodeCollectionPoint {
		db = db.Where("kind = ?", FacilityCollectionPoint)
	}

	if q.Location == nil {
		terms := strings.Fields(strings.ToLower(q.Text))
		if len(terms) == 0 {
			return []pipeline.Place{}, nil
		}
		conds := make([]string, len(terms))
		args := make([]any, 0, 3*len(terms))
		for i, t := range terms {
			like := "%" + t + "%"
			conds[i] = "LOWER(name) LIKE ? OR LOWER(address) LIKE ? OR LOWER(accepts) LIKE ?"
			args = append(args, like, like, like)
		}
		var rows []Facility
		err := db.Where("("+strings.Join(conds, " OR ")+")", args...).Order("name").Limit(maxPlaces).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("sor: find places: %w", err)
		}
		places := make([]pipeline.Place, len(rows))
		for i, f := range rows {
			places[i] = f.place(0)
		}
		return places, nil
	}

	radius := q.RadiusM
	if radius <= 0 {
		radius = defaultRadiusM
	}
	lat, lon := q.Location.Latitude, q.Location.Longitude
	dLat := float64(radius) / earthRadiusM * 180 / math.Pi
	dLon := dLat / math.Max(math.Cos(lat*math.Pi/180), 0.01)

	var rows []Facility
	err := db.
		Where("latitude BETWEEN ? AND ?", lat-dLat, lat+dLat).
		Where("longitude BETWEEN ? AND ?", lon-dLon, lon+dLon).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sor: find places: %w", err)
	}

	places := make([]pipeline.Place, 0, len(rows))
	for _, f := range rows {
		d := haversineM(lat, lon, f.Latitude, f.Longitude)
		if d > float64(radius) {
			continue
		}
		places = append(places, f.place(int(math.Round(d))))
	}
	sort.SliceStable(places, func(i, j int) bool { return places[i].DistanceM < places[j].DistanceM })
	if len(places) > maxPlaces {
		places = places[:maxPlaces]
	}
	return places, nil
}

// ImportFacilities upserts facilities by name and address and returns the number written.
func (s *Store) ImportFacilities(ctx context.Context, facilities []Facility) (int64, error) {
	if len(facilities) == 0 {
		return 0, nil
	}
	for i := range facilities {
		f := &facilities[i]
		f.Name = strings.TrimSpace(f.Name)
		f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
		if f.Name == "" {
			return 0, fmt.Errorf("sor: facility %d: name is required", i)
		}
		if f.Kind == "" {
			f.Kind = FacilityCollectionPoint
		}
		if math.Abs(f.Latitude) > 90 || math.Abs(f.Longitude) > 180 {
			return 0, fmt.Errorf("sor: facility %q: position out of range", f.Name)
		}
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}, {Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "latitude", "longitude", "accepts"}),
		}).
		CreateInBatches(facilities, 100)
	if res.Error != nil {
		return 0, fmt.Errorf("sor: import facilities: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (f Facility) place(distanceM int) pipeline.Place {
	return pipeline.Place{
		Name:      f.Name,
		Address:   f.Address,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		DistanceM: distanceM,
	}
}

// haversineM is the great circle distance in meters.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
