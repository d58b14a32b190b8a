package cluster

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/roadscan/internal/models"
)

var t0 = time.Date(2025, 10, 27, 13, 47, 29, 0, time.UTC)

func det(seq int64, sec int, lat, lon float64, class string) *models.Detection {
	return &models.Detection{
		ID:         fmt.Sprintf("d-%d", seq),
		Seq:        seq,
		Timestamp:  t0.Add(time.Duration(sec) * time.Second),
		Latitude:   lat,
		Longitude:  lon,
		Class:      class,
		Confidence: 0.7,
		ImageRef:   fmt.Sprintf("img-%d.jpg", seq),
	}
}

func mustNew(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

// partition 把分组转成与标签无关的成员集合表示
func partition(groups []models.DetectionGroup) []string {
	var sets []string
	for _, g := range groups {
		ids := append([]string(nil), g.MemberIDs...)
		sort.Strings(ids)
		sets = append(sets, g.Class+":"+strings.Join(ids, ","))
	}
	sort.Strings(sets)
	return sets
}

func TestNewRequiresRadius(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{RadiusM: -1})
	assert.Error(t, err)
	_, err = New(Config{RadiusM: 5, Window: -time.Second})
	assert.Error(t, err)
}

func TestGroupRideScenario(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 5})

	dets := []*models.Detection{
		det(1, 0, 48.2905, 11.0434, "pothole"),
		det(2, 2, 48.29051, 11.04341, "pothole"),
	}
	groups := a.Group(dets)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"d-1", "d-2"}, groups[0].MemberIDs)
	assert.Equal(t, []string{"img-1.jpg", "img-2.jpg"}, groups[0].RepresentativeImages)
	assert.InDelta(t, 48.290505, groups[0].Latitude, 1e-9)
	assert.InDelta(t, 11.043405, groups[0].Longitude, 1e-9)

	dets = append(dets, det(3, 4, 48.30, 11.10, "pothole"))
	groups = a.Group(dets)
	require.Len(t, groups, 2)
	assert.Equal(t, 2, groups[0].MemberCount())
	assert.Equal(t, []string{"d-3"}, groups[1].MemberIDs)
}

func TestGroupClassHomogeneous(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 5})
	groups := a.Group([]*models.Detection{
		det(1, 0, 48.2905, 11.0434, "pothole"),
		det(2, 0, 48.2905, 11.0434, "crack"),
		det(3, 1, 48.2905, 11.0434, "pothole"),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"crack:d-2", "pothole:d-1,d-3"}, partition(groups))
}

func TestGroupJoinsNearestCentroid(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 10})
	// 两个相距约 11 m 的分组，第三个点距前者约 6.7 m、距后者约 4.4 m
	groups := a.Group([]*models.Detection{
		det(1, 0, 48.29000, 11.0434, "pothole"),
		det(2, 1, 48.29010, 11.0434, "pothole"),
		det(3, 2, 48.29006, 11.0434, "pothole"),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"pothole:d-1", "pothole:d-2,d-3"}, partition(groups))
}

func TestGroupDistinctBeyondRadius(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 5})
	groups := a.Group([]*models.Detection{
		det(1, 0, 48.2905, 11.0434, "pothole"),
		det(2, 1, 48.2906, 11.0434, "pothole"), // ~11 m
	})
	assert.Len(t, groups, 2)
}

func TestGroupOrderIndependentForEqualTimestamps(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 4})
	rng := rand.New(rand.NewSource(42))

	var base []*models.Detection
	for i := 0; i < 60; i++ {
		sec := i / 6 // 每 6 个检测共用一个时间戳
		base = append(base, det(int64(i), sec,
			48.29+rng.Float64()*0.0002, 11.04+rng.Float64()*0.0002,
			[]string{"pothole", "crack"}[i%2]))
	}
	want := partition(a.Group(base))

	for round := 0; round < 20; round++ {
		shuffled := append([]*models.Detection(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		// 重新编号写入顺序，模拟不同的到达顺序
		renumbered := make([]*models.Detection, len(shuffled))
		for i, d := range shuffled {
			c := *d
			c.Seq = int64(i)
			renumbered[i] = &c
		}
		assert.Equal(t, want, partition(a.Group(renumbered)), "round %d", round)
	}
}

func TestGroupDeterministicAcrossCalls(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 3})
	dets := []*models.Detection{
		det(1, 0, 48.2905, 11.0434, "pothole"),
		det(2, 1, 48.29051, 11.04341, "pothole"),
		det(3, 2, 48.2910, 11.0440, "crack"),
	}
	first := a.Group(dets)
	second := a.Group(dets)
	assert.Equal(t, first, second)
	// 输入切片不被修改
	assert.Equal(t, "d-1", dets[0].ID)
}

func TestGroupMissingImagesStillCounted(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 5})
	d2 := det(2, 1, 48.2905, 11.0434, "pothole")
	d2.ImageRef = ""
	groups := a.Group([]*models.Detection{det(1, 0, 48.2905, 11.0434, "pothole"), d2})
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].MemberCount())
	assert.Equal(t, []string{"img-1.jpg"}, groups[0].RepresentativeImages)
}

func TestGroupWindowClosesStaleGroups(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 5, Window: 10 * time.Second})
	groups := a.Group([]*models.Detection{
		det(1, 0, 48.2905, 11.0434, "pothole"),
		det(2, 5, 48.2905, 11.0434, "pothole"),
		det(3, 60, 48.2905, 11.0434, "pothole"), // 回到同一位置但已超出窗口
	})
	assert.Equal(t, []string{"pothole:d-1,d-2", "pothole:d-3"}, partition(groups))
}

func TestGroupFilter(t *testing.T) {
	catalog := models.DefaultCatalog()
	a := mustNew(t, Config{RadiusM: 5, Filter: func(d *models.Detection) bool { return catalog.IsDamage(d.Class) }})
	groups := a.Group([]*models.Detection{
		det(1, 0, 48.2905, 11.0434, "asphalt"),
		det(2, 0, 48.2905, 11.0434, "pothole"),
	})
	require.Len(t, groups, 1)
	assert.Equal(t, "pothole", groups[0].Class)
}

func TestGroupStatsAndSeverity(t *testing.T) {
	a := mustNew(t, Config{RadiusM: 5})
	d1 := det(1, 0, 48.2905, 11.0434, "pothole")
	d1.Confidence = 0.9
	d2 := det(2, 3, 48.2905, 11.0434, "pothole")
	d2.Confidence = 0.5

	groups := a.Group([]*models.Detection{d1, d2})
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, 0.5, g.ConfidenceMin)
	assert.Equal(t, 0.9, g.ConfidenceMax)
	assert.InDelta(t, 0.7, g.ConfidenceAvg, 1e-9)
	assert.Equal(t, t0, g.FirstSeen)
	assert.Equal(t, t0.Add(3*time.Second), g.LastSeen)
	assert.Equal(t, models.SeverityHigh, g.Severity)
}

func TestSeverity(t *testing.T) {
	g := &models.DetectionGroup{Class: "pothole", MemberIDs: []string{"a"}, ConfidenceMax: 0.65}
	assert.Equal(t, models.SeverityMedium, Severity(g))
	g.ConfidenceMax = 0.5
	assert.Equal(t, models.SeverityLow, Severity(g))
	g.MemberIDs = []string{"a", "b", "c"}
	assert.Equal(t, models.SeverityHigh, Severity(g))

	g = &models.DetectionGroup{Class: "crack", MemberIDs: []string{"a", "b"}, ConfidenceMax: 0.8}
	assert.Equal(t, models.SeverityMedium, Severity(g))
	g.MemberIDs = []string{"a"}
	assert.Equal(t, models.SeverityLow, Severity(g))

	g = &models.DetectionGroup{Class: "bump", MemberIDs: []string{"a"}, ConfidenceMax: 1}
	assert.Equal(t, models.SeverityLow, Severity(g))
}
