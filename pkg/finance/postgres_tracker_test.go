package finance

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackerFixture(t *testing.T) (*PostgresTracker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return NewPostgresTracker(db).WithClock(func() time.Time { return now }), mock
}

func TestPostgresTracker_NoBudgetIsUnlimited(t *testing.T) {
	tr, mock := trackerFixture(t)
	tenant := uuid.New()

	mock.ExpectQuery("SELECT window_type, limit_micros FROM tenant_budgets").
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"window_type", "limit_micros"}))

	ok, err := tr.Check(tenant, 1<<40)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_CheckEnforcesLimit(t *testing.T) {
	tr, mock := trackerFixture(t)
	tenant := uuid.New()
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT window_type, limit_micros FROM tenant_budgets").
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"window_type", "limit_micros"}).
			AddRow("monthly", int64(1000)))
	mock.ExpectQuery("SELECT spent_micros FROM tenant_spend").
		WithArgs(tenant, monthStart).
		WillReturnRows(sqlmock.NewRows([]string{"spent_micros"}).AddRow(int64(900)))

	ok, err := tr.Check(tenant, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT window_type, limit_micros FROM tenant_budgets").
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"window_type", "limit_micros"}).
			AddRow("monthly", int64(1000)))
	mock.ExpectQuery("SELECT spent_micros FROM tenant_spend").
		WithArgs(tenant, monthStart).
		WillReturnRows(sqlmock.NewRows([]string{"spent_micros"}).AddRow(int64(901)))

	ok, err = tr.Check(tenant, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_ConsumeUpsertsWindowSpend(t *testing.T) {
	tr, mock := trackerFixture(t)
	tenant := uuid.New()
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT window_type FROM tenant_budgets").
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"window_type"}).AddRow("daily"))
	mock.ExpectExec("INSERT INTO tenant_spend").
		WithArgs(tenant, dayStart, int64(250)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tr.Consume(tenant, 250))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_ConsumeWithoutBudgetUsesMonthlyWindow(t *testing.T) {
	tr, mock := trackerFixture(t)
	tenant := uuid.New()
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT window_type FROM tenant_budgets").
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"window_type"}))
	mock.ExpectExec("INSERT INTO tenant_spend").
		WithArgs(tenant, monthStart, int64(40)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tr.Consume(tenant, 40))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_SetBudgetUpserts(t *testing.T) {
	tr, mock := trackerFixture(t)
	tenant := uuid.New()

	mock.ExpectExec("INSERT INTO tenant_budgets").
		WithArgs(tenant, "monthly", int64(2_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tr.SetBudget(context.Background(),
		Budget{TenantID: tenant, Window: WindowMonthly, LimitMicros: 2_000_000}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_RejectsNegativeAmounts(t *testing.T) {
	tr, _ := trackerFixture(t)
	_, err := tr.Check(uuid.New(), -1)
	require.Error(t, err)
	require.Error(t, tr.Consume(uuid.New(), -1))
}
