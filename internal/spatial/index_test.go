package spatial

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/models"
)

func det(seq int64, lat, lon float64, class string) *models.Detection {
	return &models.Detection{
		ID:        fmt.Sprintf("d-%d", seq),
		RideID:    "ride-1",
		Seq:       seq,
		Timestamp: time.Unix(seq, 0),
		Latitude:  lat,
		Longitude: lon,
		Class:     class,
	}
}

func TestNearbyOrderedWithinRadius(t *testing.T) {
	idx := NewIndex(0)
	rng := rand.New(rand.NewSource(7))
	var all []*models.Detection
	for i := 0; i < 500; i++ {
		d := det(int64(i), 48.29+rng.Float64()*0.01, 11.04+rng.Float64()*0.01, "pothole")
		all = append(all, d)
		idx.Insert("ride-1", d)
	}
	require.Equal(t, 500, idx.Len("ride-1"))

	center := geo.Point{Lat: 48.295, Lon: 11.045}
	hits := idx.Nearby("ride-1", center.Lat, center.Lon, 150, "")

	want := 0
	for _, d := range all {
		if geo.Haversine(center, d.Point()) <= 150 {
			want++
		}
	}
	assert.Equal(t, want, len(hits))
	for i, h := range hits {
		assert.LessOrEqual(t, h.DistanceM, 150.0)
		assert.InDelta(t, geo.Haversine(center, h.Detection.Point()), h.DistanceM, 1e-9)
		if i > 0 {
			assert.LessOrEqual(t, hits[i-1].DistanceM, h.DistanceM)
		}
	}
}

func TestNearbyDefaultsAndFilters(t *testing.T) {
	idx := NewIndex(0)
	idx.Insert("ride-1", det(1, 48.2905, 11.0434, "pothole"))
	idx.Insert("ride-1", det(2, 48.29055, 11.0434, "crack"))
	idx.Insert("ride-1", det(3, 48.2920, 11.0434, "pothole")) // ~167 m

	hits := idx.Nearby("ride-1", 48.2905, 11.0434, 0, "")
	require.Len(t, hits, 2)
	assert.Equal(t, "d-1", hits[0].Detection.ID)
	assert.Equal(t, "d-2", hits[1].Detection.ID)

	hits = idx.Nearby("ride-1", 48.2905, 11.0434, 500, "pothole")
	require.Len(t, hits, 2)
	assert.Equal(t, "d-3", hits[1].Detection.ID)
}

func TestNearbyEmpty(t *testing.T) {
	idx := NewIndex(0)
	hits := idx.Nearby("missing", 0, 0, 100, "")
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	idx.Insert("ride-1", det(1, 10, 10, "pothole"))
	assert.Empty(t, idx.Nearby("ride-1", 20, 20, 100, ""))
	assert.Empty(t, idx.Nearby("ride-2", 10, 10, 100, ""))

	idx.Drop("ride-1")
	assert.Equal(t, 0, idx.Len("ride-1"))
}

func TestNearbyAcrossAntimeridian(t *testing.T) {
	idx := NewIndex(0)
	idx.Insert("ride-1", det(1, 0, 179.9999, "pothole"))
	hits := idx.Nearby("ride-1", 0, -179.9999, 100, "")
	require.Len(t, hits, 1)
	assert.Less(t, hits[0].DistanceM, 30.0)
}

func TestConcurrentReadersDuringInsert(t *testing.T) {
	idx := NewIndex(0)
	var wg sync.WaitGroup
	done := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				hits := idx.Nearby("ride-1", 48.29, 11.04, 1000, "")
				for i := 1; i < len(hits); i++ {
					if hits[i-1].DistanceM > hits[i].DistanceM {
						t.Error("hits out of order")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		idx.Insert("ride-1", det(int64(i), 48.29+float64(i%50)*1e-5, 11.04, "crack"))
	}
	close(done)
	wg.Wait()
	assert.Equal(t, 2000, idx.Len("ride-1"))
}
