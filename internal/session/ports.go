package session

import (
	"streambit/internal/errors"

	upnp "gitlab.com/NebulousLabs/go-upnp"
)

// forwardPort asks the gateway to forward the listen port.
// Failure is survivable; outgoing connections still work
// without it.
func forwardPort(port uint16) error {
	d, err := upnp.Discover()
	if err != nil {
		return errors.Wrap(err, errors.Network)
	}

	if err := d.Forward(port, "streambit"); err != nil {
		return errors.Wrap(err, errors.Network)
	}

	return nil
}
