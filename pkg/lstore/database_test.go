package lstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lstore/pkg/fs"
)

func Test_Open_CreatesDatabaseDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "db")

	db, err := Open(dir, fs.NewReal())
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func Test_Open_Applies_ConfigHujson_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	hujson := []byte(`{
		// buffer capacity override
		"buffer_capacity": 16,
	}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), hujson, 0o644))

	db, err := Open(dir, fs.NewReal())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 16, db.opts.bufferCapacity)
}

func Test_Open_Explicit_Option_Overrides_ConfigHujson(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	hujson := []byte(`{"buffer_capacity": 16}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), hujson, 0o644))

	db, err := Open(dir, fs.NewReal(), WithBufferCapacity(32))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 32, db.opts.bufferCapacity)
}

func Test_Database_CreateTable_Then_Table_Returns_Same_Instance(t *testing.T) {
	t.Parallel()

	db, err := Open(t.TempDir(), fs.NewReal())
	require.NoError(t, err)
	defer db.Close()

	t1, err := db.CreateTable("orders", 3, 0)
	require.NoError(t, err)

	t2, ok := db.Table("orders")
	require.True(t, ok)
	assert.Same(t, t1, t2)
}

func Test_Database_CreateTable_Writes_Manifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := Open(dir, fs.NewReal())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.CreateTable("orders", 3, 0)
	require.NoError(t, err)

	_, err = db.CreateTable("users", 2, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)

	var names []string
	require.NoError(t, json.Unmarshal(data, &names))
	assert.Equal(t, []string{"orders", "users"}, names)
}

func Test_Database_DropTable_Removes_From_Manifest_And_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := Open(dir, fs.NewReal())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.CreateTable("orders", 3, 0)
	require.NoError(t, err)

	require.NoError(t, db.DropTable("orders"))

	_, ok := db.Table("orders")
	assert.False(t, ok)

	_, err = os.Stat(filepath.Join(dir, "orders"))
	assert.True(t, os.IsNotExist(err))

	assert.Empty(t, db.ListTables())

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)

	var names []string
	require.NoError(t, json.Unmarshal(data, &names))
	assert.Empty(t, names)
}

func Test_Database_ListTables_Returns_Sorted_Names(t *testing.T) {
	t.Parallel()

	db, err := Open(t.TempDir(), fs.NewReal())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.CreateTable("zeta", 1, 0)
	require.NoError(t, err)
	_, err = db.CreateTable("alpha", 1, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "zeta"}, db.ListTables())
}

func Test_Database_Close_Persists_Tables_For_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := Open(dir, fs.NewReal())
	require.NoError(t, err)

	table, err := db.CreateTable("orders", 3, 0)
	require.NoError(t, err)

	_, err = table.Insert([]int64{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, db.Close())

	reopened, err := Open(dir, fs.NewReal())
	require.NoError(t, err)
	defer reopened.Close()

	table2, err := reopened.CreateTable("orders", 3, 0)
	require.NoError(t, err)

	records, err := table2.Select(1, []bool{true, true, true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []int64{1, 2, 3}, records[0].Columns)
}
