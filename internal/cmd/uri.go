package cmd

import (
	"context"
	"fmt"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/pkg/provider"
	"github.com/3leaps/goforward/pkg/provider/file"
	"github.com/3leaps/goforward/pkg/provider/s3"
)

// openStore opens the object store named by uri. Keys for the returned
// store are built with the returned Location.
//
// Supported forms:
//   - s3://bucket
//   - s3://bucket/prefix
//   - file:///shared/mirror
func openStore(ctx context.Context, uri string, mc config.MirrorConfig) (provider.Store, provider.Location, error) {
	loc, err := provider.ParseURI(uri)
	if err != nil {
		return nil, provider.Location{}, err
	}

	switch loc.Type {
	case provider.ProviderS3:
		store, err := s3.New(ctx, s3.Config{
			Bucket:         loc.Bucket,
			Region:         mc.Region,
			Endpoint:       mc.Endpoint,
			Profile:        mc.Profile,
			ForcePathStyle: mc.ForcePathStyle,
			DiscoverRegion: mc.DiscoverRegion,
		})
		if err != nil {
			return nil, loc, err
		}
		return store, loc, nil
	case provider.ProviderFile:
		store, err := file.New(file.Config{BaseDir: loc.Prefix})
		if err != nil {
			return nil, loc, err
		}
		return store, loc, nil
	default:
		return nil, loc, fmt.Errorf("unsupported store %q", loc.Type)
	}
}
