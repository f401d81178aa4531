package tokenfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/oauth2"
)

func testToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		TokenType:    "bearer",
		Expiry:       time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	meta := map[string]string{"email": "mika@example.test", "user_id": "u-1"}

	require.NoError(t, Save(path, testToken(), meta))

	tok, gotMeta, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, tok)

	assert.Equal(t, "access-abc", tok.AccessToken)
	assert.Equal(t, "refresh-xyz", tok.RefreshToken)
	assert.Equal(t, meta, gotMeta)
	assert.True(t, tok.Expiry.Equal(testToken().Expiry))
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	tok, meta, err := Load(filepath.Join(t.TempDir(), "nope.json"))

	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Nil(t, meta)
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), FilePerms))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"meta":{"email":"a@b.c"}}`), FilePerms))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-login")
}

func TestSave_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, testToken(), nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestSave_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "token.json")

	require.NoError(t, Save(path, testToken(), nil))

	tok, _, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, tok)
}

func TestSave_OverwriteReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	require.NoError(t, Save(path, testToken(), map[string]string{"email": "old@example.test"}))

	second := testToken()
	second.AccessToken = "access-new"
	require.NoError(t, Save(path, second, map[string]string{"email": "new@example.test"}))

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-new", tok.AccessToken)
	assert.Equal(t, "new@example.test", meta["email"])
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")

	require.NoError(t, Save(path, testToken(), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token.json", entries[0].Name())
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, testToken(), nil))

	require.NoError(t, Clear(path))

	tok, _, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, tok)

	// Clearing again is a no-op.
	require.NoError(t, Clear(path))
}
