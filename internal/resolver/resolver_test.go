package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	r := NewStatic(map[string]string{"alice": " ADMIN "}, "")

	role, err := r.Role(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "ADMIN", role)

	_, err = r.Role(ctx, "bob")
	require.ErrorIs(t, err, ErrUnknownIdentity)

	withDefault := NewStatic(nil, "USER")
	role, err = withDefault.Role(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "USER", role)
}

type fakeRow struct {
	role string
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.role
	return nil
}

type fakeDB struct {
	rows    map[string]fakeRow
	lastSQL string
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.lastSQL = sql
	if row, ok := db.rows[args[0].(string)]; ok {
		return row
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func TestPostgres(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{rows: map[string]fakeRow{
		"u1":     {role: "SUPPORT"},
		"broken": {err: errors.New("conn reset")},
	}}
	r := NewPostgres(db, "")

	role, err := r.Role(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "SUPPORT", role)
	require.Equal(t, DefaultQuery, db.lastSQL)

	_, err = r.Role(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownIdentity)

	_, err = r.Role(ctx, "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnknownIdentity)
}
