package chain

import (
	"context"
	"errors"
)

// Getter reads mirrored objects. provider.Store satisfies it.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// RemoteStatus is the mirrored view of one realization.
type RemoteStatus struct {
	Outcome Outcome
	Status  string
	Exit    *ExitInfo
}

// ReadRemote reads the mirrored sentinels for one realization. isNotFound
// classifies missing-object errors of the store.
func ReadRemote(ctx context.Context, store Getter, prefix, chainName string, iens int, isNotFound func(error) bool) (RemoteStatus, error) {
	var rs RemoteStatus

	status, err := store.Get(ctx, MirrorKey(prefix, chainName, iens, StatusFile))
	switch {
	case err == nil:
		rs.Status = string(status)
	case !isNotFound(err):
		return rs, err
	}

	exitBody, err := store.Get(ctx, MirrorKey(prefix, chainName, iens, ExitFile))
	switch {
	case err == nil:
		rs.Outcome = Failed
		if info, perr := ParseExit(exitBody); perr == nil {
			rs.Exit = &info
		}
		return rs, nil
	case !isNotFound(err):
		return rs, err
	}

	_, err = store.Get(ctx, MirrorKey(prefix, chainName, iens, OKFile))
	switch {
	case err == nil:
		rs.Outcome = Succeeded
	case !isNotFound(err):
		return rs, err
	}

	if rs.Status == "" && rs.Outcome == Indeterminate {
		return rs, ErrNoRemoteStatus
	}
	return rs, nil
}

// ErrNoRemoteStatus means nothing has been mirrored for the realization.
var ErrNoRemoteStatus = errors.New("no mirrored sentinels found")
