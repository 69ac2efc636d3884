package provider

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Location is a parsed store URI such as s3://bucket/prefix or
// file:///shared/mirror.
type Location struct {
	Type ProviderType

	// Bucket is the S3 bucket; empty for file locations.
	Bucket string

	// Prefix is the key prefix inside the bucket, or the base directory for
	// file locations. It never has a trailing slash.
	Prefix string
}

// ParseURI parses a mirror location.
func ParseURI(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid store URI %q: %w", raw, err)
	}

	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("invalid store URI %q: bucket is required", raw)
		}
		return Location{
			Type:   ProviderS3,
			Bucket: u.Host,
			Prefix: strings.Trim(u.Path, "/"),
		}, nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("invalid store URI %q: remote file hosts are not supported", raw)
		}
		if u.Path == "" {
			return Location{}, fmt.Errorf("invalid store URI %q: path is required", raw)
		}
		p := path.Clean(u.Path)
		return Location{Type: ProviderFile, Prefix: p}, nil
	case "":
		return Location{}, fmt.Errorf("invalid store URI %q: scheme is required (s3:// or file://)", raw)
	default:
		return Location{}, fmt.Errorf("invalid store URI %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// Key joins parts under the location's key prefix. For file locations the
// prefix is the base directory and keys are relative to it.
func (l Location) Key(parts ...string) string {
	if l.Type == ProviderFile || l.Prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{l.Prefix}, parts...)...)
}

// String renders the location back to a URI.
func (l Location) String() string {
	switch l.Type {
	case ProviderS3:
		if l.Prefix == "" {
			return "s3://" + l.Bucket
		}
		return "s3://" + l.Bucket + "/" + l.Prefix
	case ProviderFile:
		return "file://" + l.Prefix
	default:
		return ""
	}
}
