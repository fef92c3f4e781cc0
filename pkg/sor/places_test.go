package sor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/pipeline"
)

// Around Seoul City Hall (37.5663, 126.9779).
func seedFacilities(t *testing.T, s *Store) {
	t.Helper()
	n, err := s.ImportFacilities(context.Background(), []Facility{
		{Name: "City Hall Collection Point", Address: "110 Sejong-daero", Kind: "Collection_Point", Latitude: 37.5665, Longitude: 126.9780, Accepts: "batteries, lamps"},
		{Name: "Jung-gu Recycling Center", Address: "17 Changgyeonggung-ro", Kind: FacilityRecyclingCenter, Latitude: 37.5700, Longitude: 126.9900, Accepts: "bulky furniture"},
		{Name: "Mapo Collection Point", Address: "212 World Cup-ro", Kind: FacilityCollectionPoint, Latitude: 37.5560, Longitude: 126.9100, Accepts: "clothes"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

// =============================================================================
// FindPlaces
// =============================================================================

func TestStore_FindPlacesNearestFirstWithinRadius(t *testing.T) {
	s := newTestStore(t)
	seedFacilities(t, s)

	places, err := s.FindPlaces(context.Background(), pipeline.PlaceQuery{
		Kind:     pipeline.NodeKakaoPlace,
		Location: &core.Location{Latitude: 37.5663, Longitude: 126.9779},
		RadiusM:  2000,
	})
	require.NoError(t, err)
	require.Len(t, places, 2, "Mapo is about 6km away")
	assert.Equal(t, "City Hall Collection Point", places[0].Name)
	assert.Equal(t, "Jung-gu Recycling Center", places[1].Name)
	assert.Less(t, places[0].DistanceM, 50)
	assert.Greater(t, places[1].DistanceM, places[0].DistanceM)
}

func TestStore_FindPlacesCollectionPointsOnly(t *testing.T) {
	s := newTestStore(t)
	seedFacilities(t, s)

	places, err := s.FindPlaces(context.Background(), pipeline.PlaceQuery{
		Kind:     pipeline.NodeCollectionPoint,
		Location: &core.Location{Latitude: 37.5663, Longitude: 126.9779},
		RadiusM:  10000,
	})
	require.NoError(t, err)
	require.Len(t, places, 2)
	for _, p := range places {
		assert.Contains(t, p.Name, "Collection Point")
	}
}

func TestStore_FindPlacesByTextWithoutPosition(t *testing.T) {
	s := newTestStore(t)
	seedFacilities(t, s)

	places, err := s.FindPlaces(context.Background(), pipeline.PlaceQuery{
		Kind: pipeline.NodeCollectionPoint,
		Text: "Batteries",
	})
	require.NoError(t, err)
	require.Len(t, places, 1)
	assert.Equal(t, "City Hall Collection Point", places[0].Name)
	assert.Zero(t, places[0].DistanceM)

	places, err = s.FindPlaces(context.Background(), pipeline.PlaceQuery{Kind: pipeline.NodeKakaoPlace})
	require.NoError(t, err)
	assert.Empty(t, places)
}

func TestStore_ImportFacilitiesUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedFacilities(t, s)

	_, err := s.ImportFacilities(ctx, []Facility{
		{Name: "Mapo Collection Point", Address: "212 World Cup-ro", Latitude: 37.5663, Longitude: 126.9779},
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, s.DB().Model(&Facility{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	places, err := s.FindPlaces(ctx, pipeline.PlaceQuery{
		Kind:     pipeline.NodeCollectionPoint,
		Location: &core.Location{Latitude: 37.5663, Longitude: 126.9779},
		RadiusM:  100,
	})
	require.NoError(t, err)
	assert.Len(t, places, 2, "the moved point is now in range")
}

func TestStore_ImportFacilitiesValidates(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ImportFacilities(context.Background(), []Facility{{Name: " "}})
	assert.ErrorContains(t, err, "name is required")

	_, err = s.ImportFacilities(context.Background(), []Facility{{Name: "Nowhere", Latitude: 91}})
	assert.ErrorContains(t, err, "out of range")
}

func TestHaversine(t *testing.T) {
	// one degree of latitude is about 111km
	assert.InDelta(t, 111195, haversineM(0, 0, 1, 0), 10)
	assert.Zero(t, haversineM(37.5, 127, 37.5, 127))
}
