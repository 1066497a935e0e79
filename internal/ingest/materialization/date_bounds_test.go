package materialization

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/warehouse"
)

func TestDateBoundsQuery_Shape(t *testing.T) {
	d := warehouse.BigQueryDialect{ProjectID: "proj"}
	ceiling := day2

	q := DateBoundsQuery(d, "us_xx", domain.IngestInstanceSecondary, map[string]*time.Time{
		"sentences": nil,
		"people":    &ceiling,
	}, domain.MaterializationMethodOriginal)

	assert.Contains(t, q, "LAG(max_dt_on_date) OVER")
	assert.Contains(t, q, "FROM `proj.us_xx_raw_data_secondary.people` WHERE update_datetime <= DATETIME \"2024-01-02T09:00:00.000000\"")
	assert.NotContains(t, q, "sentences")
	assert.NotContains(t, q, "LIMIT 0")

	// Tables are unioned in file tag order.
	multi := DateBoundsQuery(d, "us_xx", domain.IngestInstanceSecondary, map[string]*time.Time{
		"sentences": &ceiling,
		"people":    &ceiling,
	}, domain.MaterializationMethodOriginal)
	assert.Less(t, strings.Index(multi, ".people`"), strings.Index(multi, ".sentences`"))

	empty := DateBoundsQuery(d, "us_xx", domain.IngestInstancePrimary, map[string]*time.Time{"people": nil},
		domain.MaterializationMethodOriginal)
	assert.Contains(t, empty, "CAST(NULL AS DATETIME) AS update_datetime, CAST(NULL AS DATE) AS update_date LIMIT 0")

	latest := DateBoundsQuery(d, "us_xx", domain.IngestInstancePrimary, map[string]*time.Time{"people": &ceiling},
		domain.MaterializationMethodLatest)
	assert.Contains(t, latest, "MAX(update_datetime) AS __upper_bound_datetime_inclusive")
	assert.Contains(t, latest, "CAST(NULL AS DATETIME) AS __lower_bound_datetime_exclusive")
	assert.NotContains(t, latest, "LAG(")
}

func TestDateBoundDiscoverer_Discover(t *testing.T) {
	env := newTestEnv(t)
	env.seedPeople(t, domain.IngestInstancePrimary, peopleFixture)
	discoverer := NewDateBoundDiscoverer(env.client, env.logger)
	ctx := context.Background()

	ceilings, err := discoverer.LatestRawDataTimestamps(ctx, "us_xx", domain.IngestInstancePrimary, []string{"people", "sentences"})
	require.NoError(t, err)
	require.NotNil(t, ceilings["people"])
	assert.True(t, day3.Equal(*ceilings["people"]))
	assert.Nil(t, ceilings["sentences"])

	t.Run("original emits one window per day", func(t *testing.T) {
		pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary, ceilings, domain.MaterializationMethodOriginal)
		require.NoError(t, err)
		require.Len(t, pairs, 3)

		assert.Nil(t, pairs[0].LowerBoundDatetimeExclusive)
		assert.True(t, day1.Equal(pairs[0].UpperBoundDatetimeInclusive))
		require.NotNil(t, pairs[1].LowerBoundDatetimeExclusive)
		assert.True(t, day1.Equal(*pairs[1].LowerBoundDatetimeExclusive))
		assert.True(t, day2.Equal(pairs[1].UpperBoundDatetimeInclusive))
		require.NotNil(t, pairs[2].LowerBoundDatetimeExclusive)
		assert.True(t, day2.Equal(*pairs[2].LowerBoundDatetimeExclusive))
		assert.True(t, day3.Equal(pairs[2].UpperBoundDatetimeInclusive))
	})

	t.Run("ceiling hides later snapshots", func(t *testing.T) {
		ceiling := day2
		pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary,
			map[string]*time.Time{"people": &ceiling}, domain.MaterializationMethodOriginal)
		require.NoError(t, err)
		require.Len(t, pairs, 2)
		assert.True(t, day2.Equal(pairs[1].UpperBoundDatetimeInclusive))
	})

	t.Run("latest emits one historical window", func(t *testing.T) {
		pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary, ceilings, domain.MaterializationMethodLatest)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.Nil(t, pairs[0].LowerBoundDatetimeExclusive)
		assert.True(t, day3.Equal(pairs[0].UpperBoundDatetimeInclusive))
	})
}

func TestDateBoundDiscoverer_MissingRawTableContributesNoRows(t *testing.T) {
	env := newTestEnv(t)
	env.seedPeople(t, domain.IngestInstancePrimary, peopleFixture[:4])
	discoverer := NewDateBoundDiscoverer(env.client, env.logger)
	ctx := context.Background()

	// sentences was never created in the raw data dataset.
	ceilings, err := discoverer.LatestRawDataTimestamps(ctx, "us_xx", domain.IngestInstancePrimary, []string{"people", "sentences"})
	require.NoError(t, err)
	require.Contains(t, ceilings, "sentences")
	assert.Nil(t, ceilings["sentences"])
	assert.True(t, HasRawData(ceilings))

	for _, method := range []domain.MaterializationMethod{domain.MaterializationMethodOriginal, domain.MaterializationMethodLatest} {
		t.Run(string(method), func(t *testing.T) {
			pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary, ceilings, method)
			require.NoError(t, err)
			require.NotEmpty(t, pairs)
			assert.True(t, day2.Equal(pairs[len(pairs)-1].UpperBoundDatetimeInclusive))
		})
	}
}

func TestDateBoundDiscoverer_NoSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.seedPeople(t, domain.IngestInstancePrimary, nil)
	discoverer := NewDateBoundDiscoverer(env.client, env.logger)
	ctx := context.Background()

	ceilings, err := discoverer.LatestRawDataTimestamps(ctx, "us_xx", domain.IngestInstancePrimary, []string{"people"})
	require.NoError(t, err)
	assert.Nil(t, ceilings["people"])

	for _, method := range []domain.MaterializationMethod{domain.MaterializationMethodOriginal, domain.MaterializationMethodLatest} {
		t.Run(string(method), func(t *testing.T) {
			pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary, ceilings, method)
			require.NoError(t, err)
			assert.Empty(t, pairs)
		})
	}

	pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary, map[string]*time.Time{}, domain.MaterializationMethodOriginal)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestDateBoundDiscoverer_SingleSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.seedPeople(t, domain.IngestInstancePrimary, peopleFixture[:2])
	discoverer := NewDateBoundDiscoverer(env.client, env.logger)
	ctx := context.Background()

	ceilings, err := discoverer.LatestRawDataTimestamps(ctx, "us_xx", domain.IngestInstancePrimary, []string{"people"})
	require.NoError(t, err)

	pairs, err := discoverer.Discover(ctx, "us_xx", domain.IngestInstancePrimary, ceilings, domain.MaterializationMethodOriginal)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Nil(t, pairs[0].LowerBoundDatetimeExclusive)
	assert.True(t, day1.Equal(pairs[0].UpperBoundDatetimeInclusive))
}

func TestHasRawData(t *testing.T) {
	ceiling := day1
	assert.False(t, HasRawData(nil))
	assert.False(t, HasRawData(map[string]*time.Time{"people": nil}))
	assert.True(t, HasRawData(map[string]*time.Time{"people": nil, "sentences": &ceiling}))
}
