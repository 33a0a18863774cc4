package cache

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quality-measure-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// unreachableCache points at a port nothing listens on, exercising the
// degraded path.
func unreachableCache() *ArtifactCache {
	return NewArtifactCache(Config{Addr: "127.0.0.1:1", TTL: time.Minute}, testLogger())
}

// countingCompiler records how often it is invoked.
type countingCompiler struct {
	calls int
}

func (c *countingCompiler) Compile(spec *domain.MeasureSpec, format domain.TargetFormat, _ domain.OverrideLookup) (*domain.GeneratedCode, error) {
	c.calls++
	return &domain.GeneratedCode{Format: format, Code: "-- generated"}, nil
}

// nilLookup is a non-nil OverrideLookup that holds nothing.
type nilLookup struct{}

func (nilLookup) Lookup(string, string, domain.TargetFormat) *domain.CodeOverride { return nil }

func testSpec() *domain.MeasureSpec {
	return &domain.MeasureSpec{ID: "cms165-bp-control", SpecVersion: "2026.1"}
}

func TestArtifactKey(t *testing.T) {
	key := artifactKey("cms165-bp-control", "2026.1", domain.FormatSQL)
	assert.Equal(t, "qme:artifact:cms165-bp-control:2026.1:warehouse-sql", key)
}

func TestCacheDegradesWhenRedisUnavailable(t *testing.T) {
	c := unreachableCache()
	defer c.Close()

	// Reads and writes fail quietly.
	assert.Nil(t, c.Get(t.Context(), "m", "v", domain.FormatCQL))
	c.Put(t.Context(), "m", "v", &domain.GeneratedCode{Format: domain.FormatCQL, Code: "x"})
	c.Invalidate(t.Context(), "m")
}

func TestCachingCompilerDegradesToDirectGeneration(t *testing.T) {
	c := unreachableCache()
	defer c.Close()

	inner := &countingCompiler{}
	cc := NewCachingCompiler(inner, c)

	for i := 0; i < 3; i++ {
		out, err := cc.Compile(testSpec(), domain.FormatSQL, nil)
		require.NoError(t, err)
		assert.Equal(t, "-- generated", out.Code)
	}
	// Every call generated directly because the cache never answered.
	assert.Equal(t, 3, inner.calls)
}

func TestCachingCompilerBypassesCacheWithOverrides(t *testing.T) {
	c := unreachableCache()
	defer c.Close()

	inner := &countingCompiler{}
	cc := NewCachingCompiler(inner, c)

	_, err := cc.Compile(testSpec(), domain.FormatCQL, nilLookup{})
	require.NoError(t, err)
	_, err = cc.Compile(testSpec(), domain.FormatCQL, nilLookup{})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
