package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/pkg/provider"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("file store", func(t *testing.T) {
		dir := t.TempDir()
		store, loc, err := openStore(ctx, "file://"+dir, config.MirrorConfig{})
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		assert.Equal(t, provider.ProviderFile, loc.Type)
		assert.Equal(t, "", loc.Key())

		require.NoError(t, store.Put(ctx, "norne/3/OK", []byte("ok")))
		got, err := store.Get(ctx, "norne/3/OK")
		require.NoError(t, err)
		assert.Equal(t, "ok", string(got))
	})

	t.Run("s3 store with endpoint", func(t *testing.T) {
		store, loc, err := openStore(ctx, "s3://ensembles/norne", config.MirrorConfig{
			Region:         "eu-north-1",
			Endpoint:       "http://127.0.0.1:1",
			ForcePathStyle: true,
		})
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		assert.Equal(t, "ensembles", loc.Bucket)
		assert.Equal(t, "norne/x", loc.Key("x"))
	})

	tests := []struct {
		name string
		uri  string
	}{
		{name: "missing scheme", uri: "/shared/mirror"},
		{name: "unsupported scheme", uri: "gs://bucket"},
		{name: "missing bucket", uri: "s3://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := openStore(ctx, tt.uri, config.MirrorConfig{})
			require.Error(t, err)
		})
	}
}
