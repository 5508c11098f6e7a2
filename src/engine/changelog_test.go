package engine

import (
	"os"
	"strings"
	"testing"
	"time"

	"branchdb/src/dberrors"
	"branchdb/src/layout"
	"branchdb/src/models"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mainBranch = layout.BranchKey{Database: "shop", Branch: "main"}

func newTestChangeLog(t *testing.T) (*ChangeLog, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, os.MkdirAll(l.BranchDir(mainBranch), 0755))
	require.NoError(t, WriteEmptyChangeLog(l.ChangesPath(mainBranch)))
	return NewChangeLog(l, nil), l
}

func testFactory() *EntityFactoryImpl {
	return NewEntityFactory(testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestAppendThenReadAllRoundTrips(t *testing.T) {
	log, _ := newTestChangeLog(t)
	f := testFactory()

	entry := f.NewChange("main", models.CreateTable, "table", "users", `CREATE TABLE "users" ("name" TEXT)`, nil)
	stored, err := log.Append(mainBranch, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Sequence)

	all, err := log.ReadAll(mainBranch)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, stored.Sequence, all[0].Sequence)
	assert.Equal(t, stored.Type, all[0].Type)
	assert.Equal(t, stored.Definition, all[0].Definition)
	assert.Equal(t, entry.ID, all[0].ID)
	assert.True(t, entry.Timestamp.Equal(all[0].Timestamp))
}

func TestAppendPreservesExistingBytes(t *testing.T) {
	log, l := newTestChangeLog(t)
	f := testFactory()

	_, err := log.Append(mainBranch, f.NewChange("main", models.CreateTable, "table", "a", "CREATE TABLE a (x)", nil))
	require.NoError(t, err)
	before, err := os.ReadFile(l.ChangesPath(mainBranch))
	require.NoError(t, err)

	_, err = log.AppendAll(mainBranch, []models.ChangeEntry{
		f.NewChange("main", models.CreateTable, "table", "b", "CREATE TABLE b (x)", nil),
		f.NewChange("main", models.CreateTable, "table", "c", "CREATE TABLE c (x)", nil),
	})
	require.NoError(t, err)
	after, err := os.ReadFile(l.ChangesPath(mainBranch))
	require.NoError(t, err)

	prefix := strings.TrimSuffix(string(before), "\n]\n")
	assert.True(t, strings.HasPrefix(string(after), prefix))

	all, err := log.ReadAll(mainBranch)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, "c", all[2].TargetName)
}

func TestReadSince(t *testing.T) {
	log, _ := newTestChangeLog(t)
	f := testFactory()
	for _, name := range []string{"a", "b", "c"} {
		_, err := log.Append(mainBranch, f.NewChange("main", models.CreateTable, "table", name, "CREATE TABLE "+name+" (x)", nil))
		require.NoError(t, err)
	}

	tail, err := log.ReadSince(mainBranch, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].TargetName)

	tail, err = log.ReadSince(mainBranch, 3)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestAppendRejectsDuplicateIDs(t *testing.T) {
	log, _ := newTestChangeLog(t)
	entry := testFactory().NewChange("main", models.DropTable, "table", "a", "DROP TABLE a", nil)

	_, err := log.Append(mainBranch, entry)
	require.NoError(t, err)
	_, err = log.Append(mainBranch, entry)
	assert.True(t, dberrors.Is(err, dberrors.Conflict), "got %v", err)
}

func TestOverlappingAppendConflicts(t *testing.T) {
	log, _ := newTestChangeLog(t)
	require.NoError(t, log.begin(mainBranch))

	_, err := log.Append(mainBranch, testFactory().NewChange("main", models.DropTable, "table", "a", "DROP TABLE a", nil))
	assert.True(t, dberrors.Is(err, dberrors.Conflict), "got %v", err)

	log.end(mainBranch)
	_, err = log.Append(mainBranch, testFactory().NewChange("main", models.DropTable, "table", "a", "DROP TABLE a", nil))
	assert.NoError(t, err)
}

func TestCorruptChangeLog(t *testing.T) {
	log, l := newTestChangeLog(t)
	require.NoError(t, os.WriteFile(l.ChangesPath(mainBranch), []byte(`[{"id": "x", "sequence": 1},`), 0644))

	_, err := log.ReadAll(mainBranch)
	assert.True(t, dberrors.Is(err, dberrors.StorageCorrupt), "got %v", err)

	_, err = log.ReadAll(layout.BranchKey{Database: "shop", Branch: "ghost"})
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)
}

func TestOutOfOrderSequencesAreCorrupt(t *testing.T) {
	log, l := newTestChangeLog(t)
	data := `[{"id": "a", "sequence": 2}, {"id": "b", "sequence": 1}]`
	require.NoError(t, os.WriteFile(l.ChangesPath(mainBranch), []byte(data), 0644))

	_, err := log.ReadAll(mainBranch)
	assert.True(t, dberrors.Is(err, dberrors.StorageCorrupt), "got %v", err)
}
