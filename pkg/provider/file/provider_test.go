package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goforward/pkg/provider"
)

func TestProvider_PutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, "norne/1/OK", []byte("ok")))
	require.FileExists(t, filepath.Join(base, "norne", "1", "OK"))

	b, err := p.Get(ctx, "norne/1/OK")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))

	meta, err := p.Head(ctx, "/norne/1/OK")
	require.NoError(t, err)
	assert.Equal(t, "norne/1/OK", meta.Key)
	assert.Equal(t, int64(2), meta.Size)

	require.NoError(t, p.Delete(ctx, "norne/1/OK"))
	require.NoError(t, p.Delete(ctx, "norne/1/OK"), "deleting a missing key is fine")

	_, err = p.Get(ctx, "norne/1/OK")
	assert.True(t, provider.IsNotFound(err))
	_, err = p.Head(ctx, "norne/1")
	assert.True(t, provider.IsNotFound(err), "directories are not objects")
}

func TestProvider_List(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, k := range []string{"norne/1/STATUS", "norne/1/OK", "norne/10/EXIT", "other/1/OK"} {
		require.NoError(t, p.Put(ctx, k, []byte(k)))
	}

	all, err := p.List(ctx, "norne/")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := p.List(ctx, "norne/1/")
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, "norne/1/OK", one[0].Key)

	partial, err := p.List(ctx, "norne/1")
	require.NoError(t, err)
	assert.Len(t, partial, 3, "prefix matching is not directory matching")

	none, err := p.List(ctx, "missing/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProvider_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p, err := New(Config{BaseDir: filepath.Join(base, "mirror")})
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, "../escape", []byte("x")))
	_, err = os.Stat(filepath.Join(base, "escape"))
	assert.True(t, os.IsNotExist(err), "keys are confined to the base dir")
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)
}
