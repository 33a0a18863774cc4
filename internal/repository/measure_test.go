package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quality-measure-engine/internal/database"
	"github.com/quality-measure-engine/internal/domain"
)

func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	if os.Getenv("QME_TEST_POSTGRES") == "" {
		t.Skip("set QME_TEST_POSTGRES=1 to run tests that need a Docker Postgres container")
	}

	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := database.Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    testPassword,
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, config, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	runner, err := database.NewMigrationRunner(config.URL(), "../../migrations", logger)
	require.NoError(t, err)
	require.NoError(t, runner.Up())
	t.Cleanup(func() { runner.Close() })

	return db
}

func sampleMeasure(id string) *domain.MeasureSpec {
	return &domain.MeasureSpec{
		ID:          id,
		Title:       "Controlling High Blood Pressure",
		SpecVersion: "2026.1",
		MeasurementPeriod: domain.Period{
			Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		Populations: []domain.PopulationDefinition{
			{
				Type: domain.InitialPopulation,
				Criteria: &domain.LogicalClause{
					ID:       "ip-root",
					Operator: domain.OperatorAND,
					Children: []domain.CriteriaNode{
						{Leaf: &domain.DataElement{
							ID:       "htn-dx",
							Category: domain.FactDiagnosis,
							DirectCodes: []domain.CodeReference{
								{Code: "I10", System: "ICD-10-CM"},
							},
						}},
					},
				},
			},
		},
	}
}

func TestMeasureRepositorySaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewMeasureRepository(db.Pool, logger)
	ctx := context.Background()

	spec := sampleMeasure("cms165-bp-control")
	require.NoError(t, repo.Save(ctx, spec))

	got, err := repo.GetByID(ctx, "cms165-bp-control")
	require.NoError(t, err)
	assert.Equal(t, spec.Title, got.Title)
	assert.Equal(t, spec.SpecVersion, got.SpecVersion)
	require.Len(t, got.Populations, 1)
	assert.Equal(t, "htn-dx", got.Populations[0].Criteria.Children[0].Leaf.ID)

	// Upsert replaces the definition.
	spec.Title = "Controlling High Blood Pressure (revised)"
	require.NoError(t, repo.Save(ctx, spec))
	got, err = repo.GetByID(ctx, "cms165-bp-control")
	require.NoError(t, err)
	assert.Equal(t, "Controlling High Blood Pressure (revised)", got.Title)
}

func TestMeasureRepositoryListAndDelete(t *testing.T) {
	db := setupTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewMeasureRepository(db.Pool, logger)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleMeasure("measure-a")))
	require.NoError(t, repo.Save(ctx, sampleMeasure("measure-b")))

	all, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.Delete(ctx, "measure-a"))
	err = repo.Delete(ctx, "measure-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = repo.GetByID(ctx, "measure-a")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMeasureRepositorySaveInvalid(t *testing.T) {
	db := setupTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewMeasureRepository(db.Pool, logger)

	spec := sampleMeasure("bad-measure")
	spec.Populations = nil
	assert.Error(t, repo.Save(context.Background(), spec))
}
