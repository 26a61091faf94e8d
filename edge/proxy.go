/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package edge

import (
	"net"

	proxyprotocol "github.com/c0va23/go-proxyprotocol"

	"github.com/kurier-mta/kurier/framework/log"
)

// ProxyProtocol makes listeners expect the HAProxy PROXY protocol header,
// version 1 or 2, and replaces the peer address with the one the header
// carries. Sessions then see the address of the actual client instead of
// the load balancer in front of the edge.
type ProxyProtocol struct {
	// Trust lists the networks the header is accepted from. Connections
	// from other addresses keep their transport-level peer address. An
	// empty list trusts everyone, which is only safe when the listener
	// cannot be reached except through the proxy.
	Trust []net.IPNet
}

func proxyListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	sourceChecker := func(upstream net.Addr) (bool, error) {
		tcpAddr, ok := upstream.(*net.TCPAddr)
		if !ok {
			// Local socket, not reachable from the network.
			return true, nil
		}
		if len(p.Trust) == 0 {
			return true, nil
		}
		for _, trusted := range p.Trust {
			if trusted.Contains(tcpAddr.IP) {
				return true, nil
			}
		}
		logger.Msg("PROXY header from untrusted source ignored", "src", upstream)
		return false, nil
	}

	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
