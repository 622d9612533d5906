package testutils

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blockadesystems/certmint/internal/storage"
)

// SetupTestDB starts a throwaway PostgreSQL container and returns connection
// options plus a cleanup function the caller should defer. Tests that call it
// are skipped unless CERTMINT_TEST_WITH_DOCKER is set, so the rest of the
// suite stays runnable on machines without a container runtime.
func SetupTestDB(t *testing.T) (storage.Options, func()) {
	t.Helper()

	if os.Getenv("CERTMINT_TEST_WITH_DOCKER") == "" {
		t.Skip("set CERTMINT_TEST_WITH_DOCKER=1 to run PostgreSQL integration tests")
	}

	ctx := context.Background()
	dbName := "certmint_test"
	dbUser := "certmint"
	dbPassword := "certmint"
	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(1).
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer terminateCancel()
		if err := container.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get container host: %s", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(dbPort))
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get mapped port: %s", err)
	}

	opts := storage.Options{
		Host:     host,
		Port:     mappedPort.Int(),
		User:     dbUser,
		Password: dbPassword,
		Name:     dbName,
		SSLMode:  "disable",
	}
	return opts, cleanup
}
