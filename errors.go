package netschool

import (
	"github.com/pkg/errors"

	"github.com/netschool-go/netschool/esia"
	"github.com/netschool-go/netschool/session"
	"github.com/netschool-go/netschool/transport"
)

var (
	// LoginErr is a direct-credential rejection: bad credentials,
	// locked account, disabled account. The portal does not let the
	// caller act differently on them, so they are one kind.
	LoginErr = errors.New("login rejected")

	// SchoolNotFoundErr means a directory lookup or organization
	// disambiguation produced zero matches, or several that could not
	// be narrowed down.
	SchoolNotFoundErr = errors.New("school not found")

	// LoginInProgressErr is returned when a login attempt starts while
	// another is still in flight on the same client.
	LoginInProgressErr = errors.New("another login attempt is in flight")
)

// Re-exported sentinels so callers can discriminate every failure kind
// with errors.Is against this package alone.
var (
	MFAErr               = esia.MFAErr
	ESIAErr              = esia.ESIAErr
	SessionExpiredErr    = session.SessionExpiredErr
	ServerUnavailableErr = transport.ServerUnavailableErr
)
