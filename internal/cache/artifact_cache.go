// Package cache provides a Redis-backed cache for compiled measure artifacts.
// The cache sits in front of the compiler behind a circuit breaker: a Redis
// outage degrades to direct generation, never to an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/quality-measure-engine/internal/domain"
)

// Config holds cache connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// ArtifactCache stores generated code keyed by measure, spec version and
// target format. Artifacts regenerate deterministically, so entries carry a
// TTL and eviction is harmless.
type ArtifactCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	log     *logrus.Logger
}

// NewArtifactCache creates a cache. The connection is not verified eagerly;
// the breaker handles an unreachable Redis the same way as one that fails
// later.
func NewArtifactCache(config Config, logger *logrus.Logger) *ArtifactCache {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "artifact-cache",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Artifact cache circuit breaker state changed")
		},
	})

	ttl := config.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &ArtifactCache{
		client:  client,
		breaker: breaker,
		ttl:     ttl,
		log:     logger,
	}
}

func artifactKey(measureID, specVersion string, format domain.TargetFormat) string {
	return fmt.Sprintf("qme:artifact:%s:%s:%s", measureID, specVersion, string(format))
}

// Get returns the cached artifact, or nil on a miss or a degraded cache.
func (c *ArtifactCache) Get(ctx context.Context, measureID, specVersion string, format domain.TargetFormat) *domain.GeneratedCode {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, artifactKey(measureID, specVersion, format)).Bytes()
	})
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Debug("Artifact cache read failed")
		}
		return nil
	}

	var artifact domain.GeneratedCode
	if err := json.Unmarshal(result.([]byte), &artifact); err != nil {
		c.log.WithError(err).Warn("Dropping undecodable cached artifact")
		return nil
	}
	return &artifact
}

// Put stores an artifact. Failures are logged, not surfaced: the caller
// already has the artifact.
func (c *ArtifactCache) Put(ctx context.Context, measureID, specVersion string, artifact *domain.GeneratedCode) {
	payload, err := json.Marshal(artifact)
	if err != nil {
		c.log.WithError(err).Warn("Failed to encode artifact for caching")
		return
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, artifactKey(measureID, specVersion, artifact.Format), payload, c.ttl).Err()
	})
	if err != nil {
		c.log.WithError(err).Debug("Artifact cache write failed")
	}
}

// Invalidate drops every cached artifact for a measure across versions and
// formats, e.g. after an override changed what the compiler would emit.
func (c *ArtifactCache) Invalidate(ctx context.Context, measureID string) {
	pattern := fmt.Sprintf("qme:artifact:%s:*", measureID)
	_, err := c.breaker.Execute(func() (interface{}, error) {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return nil, err
			}
		}
		return nil, iter.Err()
	})
	if err != nil {
		c.log.WithError(err).Debug("Artifact cache invalidation failed")
	}
}

// Close releases the Redis connection.
func (c *ArtifactCache) Close() error {
	return c.client.Close()
}

// CachingCompiler wraps a compiler with the artifact cache. Compilations that
// consult an override lookup bypass the cache: override state can change
// without a spec version bump, so only override-free artifacts are reusable
// by key alone.
type CachingCompiler struct {
	compiler domain.Compiler
	cache    *ArtifactCache
}

// NewCachingCompiler wraps a compiler.
func NewCachingCompiler(compiler domain.Compiler, cache *ArtifactCache) *CachingCompiler {
	return &CachingCompiler{compiler: compiler, cache: cache}
}

// Compile implements domain.Compiler.
func (cc *CachingCompiler) Compile(spec *domain.MeasureSpec, format domain.TargetFormat, overrides domain.OverrideLookup) (*domain.GeneratedCode, error) {
	cacheable := overrides == nil
	if cacheable {
		if artifact := cc.cache.Get(context.Background(), spec.ID, spec.SpecVersion, format); artifact != nil {
			return artifact, nil
		}
	}

	artifact, err := cc.compiler.Compile(spec, format, overrides)
	if err != nil {
		return nil, err
	}
	if cacheable {
		cc.cache.Put(context.Background(), spec.ID, spec.SpecVersion, artifact)
	}
	return artifact, nil
}
