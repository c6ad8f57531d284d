package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

func sealedSession(id string) *contracts.ChallengeSession {
	return &contracts.ChallengeSession{
		ID:           id,
		Status:       contracts.SessionSealed,
		Steps:        100,
		Seed:         7,
		ProtocolHash: canonicalize.HashBytes([]byte(id)),
		Engine: &contracts.PartyStream{
			Party: "engine-a",
			Role:  contracts.RoleEngine,
			Verdict: &contracts.Verdict{
				Party: "engine-a",
				Tag:   contracts.VerdictStructureSupported,
			},
		},
		SealedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newMockStore(t *testing.T) (*SQLiteSessionStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLiteSessionStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestPutInsertsSealedSession(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s-1", "SEALED", uint64(100), int64(7),
			sqlmock.AnyArg(), "STRUCTURE_SUPPORTED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Put(context.Background(), sealedSession("s-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutRejectsOpenSession(t *testing.T) {
	s, _ := newMockStore(t)

	open := sealedSession("s-open")
	open.Status = contracts.SessionOpen
	err := s.Put(context.Background(), open)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still open")
}

func TestPutMapsDuplicateKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: sessions.session_id"))

	err := s.Put(context.Background(), sealedSession("s-dup"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestGetRoundTripsPayload(t *testing.T) {
	s, mock := newMockStore(t)

	want := sealedSession("s-2")
	payload := `{"id":"s-2","status":"SEALED","steps":100,"seed":7,` +
		`"protocol_hash":"` + string(want.ProtocolHash) + `",` +
		`"engine":{"party":"engine-a","role":"ENGINE","commitments":null,"reveals":null,"morphisms":null,"steps":null,` +
		`"verdict":{"party":"engine-a","session_id":"","per_test":null,"aggregate_score":0,"verdict_tag":"STRUCTURE_SUPPORTED","created_at":"0001-01-01T00:00:00Z"}},` +
		`"started_at":"0001-01-01T00:00:00Z","sealed_at":"2026-03-01T12:00:00Z"}`

	mock.ExpectQuery("SELECT payload FROM sessions").
		WithArgs("s-2").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := s.Get(context.Background(), "s-2")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.ProtocolHash, got.ProtocolHash)
	require.NotNil(t, got.Engine)
	assert.Equal(t, contracts.VerdictStructureSupported, got.Engine.Verdict.Tag)
}

func TestGetMissingSession(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT payload FROM sessions").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListScansSummaries(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"session_id", "status", "steps", "seed", "protocol_hash", "engine_tag", "sealed_at",
	}).
		AddRow("s-3", "SEALED", 100, 7, "sha256:aa", "STRESS_FAIL", "2026-03-01T12:00:00Z").
		AddRow("s-2", "TAINTED", 50, 3, "sha256:bb", "INTEGRITY_VIOLATION", "2026-02-01T12:00:00Z")
	mock.ExpectQuery("SELECT session_id, status").
		WithArgs(10).
		WillReturnRows(rows)

	out, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, contracts.VerdictStressFail, out[0].EngineTag)
	assert.Equal(t, contracts.SessionTainted, out[1].Status)
	assert.Equal(t, 2026, out[0].SealedAt.Year())
}

func TestTagCounts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT engine_tag, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"engine_tag", "count"}).
			AddRow("STRUCTURE_SUPPORTED", 8).
			AddRow("STRESS_FAIL", 2))

	counts, err := s.TagCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, counts[contracts.VerdictStructureSupported])
	assert.Equal(t, 2, counts[contracts.VerdictStressFail])
}

func TestFileArchiveRoundTrip(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"bundle":"evidence"}`)
	hash, err := a.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes(data), hash)

	// Idempotent re-put.
	again, err := a.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	ok, err := a.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := a.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = a.Get(ctx, canonicalize.HashBytes([]byte("other")))
	assert.Error(t, err)
}

func TestIsNotFoundSeparatesMissingFromFailure(t *testing.T) {
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(fmt.Errorf("head object: %w", &types.NotFound{})))

	// Transport and auth failures must propagate, not read as absent.
	assert.False(t, isNotFound(errors.New("dial tcp: connection refused")))
	assert.False(t, isNotFound(nil))
}
