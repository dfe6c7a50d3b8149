package supervisor

import (
	"errors"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/process"
	"github.com/openportio/openport-tunnels/utils"
)

// The lookup, key and launch errors share their identity with the lower layers, so
// errors.Is works with either name.
var (
	ErrValidation         = errors.New("invalid tunnel")
	ErrNotFound           = database.ErrTunnelNotFound
	ErrProfileNotFound    = database.ErrConnectionNotFound
	ErrKeyNotFound        = utils.ErrKeyNotFound
	ErrPortConflict       = process.ErrPortConflict
	ErrLaunchFailed       = process.ErrLaunchFailed
	ErrVerificationFailed = errors.New("tunnel did not become healthy")
	ErrStopFailed         = errors.New("tunnel process could not be stopped")
	ErrTunnelActive       = errors.New("tunnel is active, stop it first")
)
