// Package license implements a soft, filesystem-counted limit on the number
// of concurrently running instances of a named job.
//
// FileGate keeps one shared license file per job name under the license
// path. Every running holder adds a uniquely named hard link to that file,
// so the link count minus one is the number of holders. The scheme is
// check-then-act: concurrent acquirers can overshoot the limit briefly and
// a crashed holder leaks its link until Clean removes it.
package license

import (
	"context"
	"errors"
)

// Token is a held license. The zero Token holds nothing.
type Token struct {
	// Job is the job name the token was acquired for.
	Job string

	// Path is the hard link backing the token; empty for a no-op token.
	Path string
}

// Held reports whether the token refers to a license link.
func (t Token) Held() bool {
	return t.Path != ""
}

// Gate limits concurrent job instances. Implementations must make Release
// idempotent.
type Gate interface {
	// Acquire blocks until a license for jobName is available under
	// licensePath and returns the token. maxRunning <= 0 means no limit and
	// returns the zero Token immediately. Only ctx cancellation ends the
	// wait early.
	Acquire(ctx context.Context, jobName, licensePath string, maxRunning int) (Token, error)

	// Release gives the license back. Releasing the zero Token or an
	// already released token is not an error.
	Release(token Token) error
}

// ErrInvalidJobName is returned for job names that cannot be used as a
// license file name.
var ErrInvalidJobName = errors.New("invalid license job name")

// NopGate never limits anything.
type NopGate struct{}

// Acquire returns the zero Token.
func (NopGate) Acquire(context.Context, string, string, int) (Token, error) {
	return Token{}, nil
}

// Release does nothing.
func (NopGate) Release(Token) error {
	return nil
}

var _ Gate = NopGate{}
