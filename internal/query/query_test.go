package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/roadscan/internal/cluster"
	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/session"
)

var t0 = time.Date(2025, 10, 27, 13, 47, 29, 0, time.UTC)

type fixture struct {
	store *session.Store
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0}
	f.store = session.NewStore(zap.NewNop(), session.Options{Clock: func() time.Time { return f.now }})
	agg, err := cluster.New(cluster.Config{RadiusM: 5})
	require.NoError(t, err)
	f.svc = NewService(f.store, agg, models.DefaultCatalog(), 0)
	f.svc.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) open(t *testing.T, device string) string {
	t.Helper()
	ride, err := f.store.OpenRide(context.Background(), device, "")
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	return ride.ID
}

func (f *fixture) det(t *testing.T, rideID, class string, lat, lon float64, sec int, conf float64, image string) {
	t.Helper()
	_, err := f.store.AppendDetection(context.Background(), rideID, models.Detection{
		Timestamp:  t0.Add(time.Duration(sec) * time.Second),
		Latitude:   lat,
		Longitude:  lon,
		Class:      class,
		Confidence: conf,
		ImageRef:   image,
	})
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, "jetson-1")
	f.det(t, a, "pothole", 48.2905, 11.0434, 0, 0.9, "a.jpg")
	f.det(t, a, "asphalt", 48.2905, 11.0434, 0, 0.95, "a.jpg")
	_, err := f.store.CloseRide(context.Background(), a)
	require.NoError(t, err)

	b := f.open(t, "jetson-1")
	f.det(t, b, "crack", 48.2906, 11.0435, 10, 0.7, "")
	f.det(t, b, "manhole", 48.2907, 11.0436, 11, 0.6, "")

	st := f.svc.Stats()
	assert.Equal(t, 2, st.TotalRides)
	assert.Equal(t, 1, st.ActiveRides)
	assert.Equal(t, 4, st.TotalDetections)
	assert.Equal(t, map[string]int{"pothole": 1, "asphalt": 1, "crack": 1, "manhole": 1}, st.ByClass)
	assert.Equal(t, map[string]int{"asphalt": 1}, st.SurfaceTypes)
	assert.Equal(t, map[string]int{"pothole": 1, "crack": 1}, st.DamageTypes)
	assert.Equal(t, map[string]int{"manhole": 1}, st.Unclassified)
}

func TestStatsEmpty(t *testing.T) {
	f := newFixture(t)
	st := f.svc.Stats()
	assert.Zero(t, st.TotalRides)
	assert.NotNil(t, st.ByClass)
}

func TestListRides(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, "d1")
	f.det(t, a, "pothole", 48.0, 11.0, 0, 0.9, "")
	b := f.open(t, "d2")

	rides, total := f.svc.ListRides(10, 0)
	assert.Equal(t, 2, total)
	require.Len(t, rides, 2)
	assert.Equal(t, b, rides[0].ID)
	assert.Equal(t, a, rides[1].ID)
	assert.Equal(t, 1, rides[1].DetectionCount)
	assert.Equal(t, 2.0, rides[1].DurationSec)
}

func TestRideDetail(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, "jetson-1")
	f.det(t, id, "pothole", 48.2905, 11.0434, 0, 0.9, "img_0001.jpg")
	f.det(t, id, "pothole", 48.29051, 11.04341, 2, 0.85, "img_0002.jpg")
	f.det(t, id, "pothole", 48.30, 11.10, 4, 0.5, "img_0003.jpg")

	detail, err := f.svc.RideDetail(id)
	require.NoError(t, err)
	assert.Equal(t, id, detail.Ride.ID)
	assert.Equal(t, 3, detail.DetectionCount)
	assert.Len(t, detail.Route.Points, 3)
	require.Len(t, detail.Groups, 2)
	assert.Equal(t, 2, detail.Groups[0].MemberCount())
	assert.Equal(t, 5.0, detail.GroupingRadius)

	_, err = f.svc.RideDetail("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestNearby(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, "jetson-1")
	f.det(t, id, "pothole", 48.2905, 11.0434, 0, 0.9, "")
	f.det(t, id, "crack", 48.2906, 11.0434, 1, 0.7, "")
	f.det(t, id, "pothole", 48.30, 11.10, 2, 0.9, "")

	res, err := f.svc.Nearby(NearbyQuery{Lat: 48.2905, Lon: 11.0434})
	require.NoError(t, err)
	assert.Equal(t, id, res.RideID)
	assert.Equal(t, 100.0, res.RadiusM)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "pothole", res.Hits[0].Detection.Class)
	assert.Less(t, res.Hits[0].DistanceM, res.Hits[1].DistanceM)

	res, err = f.svc.Nearby(NearbyQuery{RideID: id, Lat: 48.2905, Lon: 11.0434, RadiusM: 50, Class: "crack"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "crack", res.Hits[0].Detection.Class)

	res, err = f.svc.Nearby(NearbyQuery{Lat: 0, Lon: 0, RadiusM: 10})
	require.NoError(t, err)
	assert.NotNil(t, res.Hits)
	assert.Empty(t, res.Hits)
}

func TestNearbyFallsBackToMostRecentRide(t *testing.T) {
	f := newFixture(t)
	old := f.open(t, "d1")
	f.det(t, old, "pothole", 48.0, 11.0, 0, 0.9, "")
	_, err := f.store.CloseRide(context.Background(), old)
	require.NoError(t, err)
	recent := f.open(t, "d1")
	f.det(t, recent, "pothole", 48.0, 11.0, 5, 0.9, "")
	_, err = f.store.CloseRide(context.Background(), recent)
	require.NoError(t, err)

	res, err := f.svc.Nearby(NearbyQuery{Lat: 48.0, Lon: 11.0})
	require.NoError(t, err)
	assert.Equal(t, recent, res.RideID)
	assert.Len(t, res.Hits, 1)
}

func TestNearbyErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Nearby(NearbyQuery{Lat: 91, Lon: 0})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Nearby(NearbyQuery{Lat: 0, Lon: 181})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Nearby(NearbyQuery{Lat: 0, Lon: 0, RadiusM: -1})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Nearby(NearbyQuery{RideID: "missing", Lat: 0, Lon: 0})
	assert.ErrorIs(t, err, models.ErrNotFound)

	res, err := f.svc.Nearby(NearbyQuery{Lat: 0, Lon: 0})
	require.NoError(t, err)
	assert.Empty(t, res.RideID)
	assert.Empty(t, res.Hits)
}

func TestRouteGeoJSON(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, "jetson-1")
	f.det(t, id, "pothole", 48.2905, 11.0434, 0, 0.9, "")
	f.det(t, id, "pothole", 48.30, 11.10, 4, 0.9, "")

	fc, err := f.svc.RouteGeoJSON(id)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	feat := fc.Features[0]
	assert.Equal(t, "LineString", feat.Geometry.Type)
	coords, ok := feat.Geometry.Coordinates.([][2]float64)
	require.True(t, ok)
	assert.Equal(t, [][2]float64{{11.0434, 48.2905}, {11.10, 48.30}}, coords)
	assert.Equal(t, "detections", fc.Metadata["source"])

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"FeatureCollection"`)
}

func TestDetectionsGeoJSON(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, "jetson-1")
	f.det(t, id, "pothole", 48.2905, 11.0434, 0, 0.9, "img_0001.jpg")
	f.det(t, id, "pothole", 48.29051, 11.04341, 2, 0.7, "img_0002.jpg")
	f.det(t, id, "crack", 48.30, 11.10, 4, 0.6, "img_0003.jpg")

	fc, err := f.svc.DetectionsGeoJSON(id)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	first := fc.Features[0]
	assert.Equal(t, "Point", first.Geometry.Type)
	props := first.Properties
	assert.Equal(t, "pothole", props["class"])
	assert.Equal(t, 2, props["member_count"])
	assert.Equal(t, [2]float64{0.7, 0.9}, props["confidence_range"])
	assert.Equal(t, []string{"img_0001.jpg", "img_0002.jpg"}, props["image_refs"])
	assert.Equal(t, t0, props["first_seen"])
	assert.Equal(t, t0.Add(2*time.Second), props["last_seen"])
	assert.Equal(t, models.SeverityHigh, props["severity"])

	assert.Equal(t, 2, fc.Metadata["total_groups"])
	assert.Equal(t, 3, fc.Metadata["total_images"])
	assert.Equal(t, 5.0, fc.Metadata["grouping_distance_m"])

	_, err = f.svc.DetectionsGeoJSON("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
