package exterrors

import (
	"errors"
	"net"
)

// UnwrapDNSErr digs the *net.DNSError out of a wrap chain and returns
// its reason together with log fields describing the lookup. Non-DNS
// errors yield an empty reason and a non-nil map the caller can extend.
func UnwrapDNSErr(err error) (reason string, fields map[string]interface{}) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", map[string]interface{}{}
	}

	// The queried name is already part of the surrounding context and
	// the server address rarely tells an operator anything, so only the
	// reason travels.
	return dnsErr.Err, map[string]interface{}{
		"notfound":  dnsErr.IsNotFound,
		"temporary": dnsErr.IsTemporary,
	}
}
