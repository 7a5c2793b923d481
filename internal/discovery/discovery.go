// Package discovery advertises and browses the relay's presence on the
// local network via mDNS. It is built on github.com/libp2p/zeroconf/v2,
// promoted from an indirect libp2p dependency (whose host/pubsub/transport
// layers were otherwise dropped, see DESIGN.md) into a direct one, since
// zeroconf is the one piece of that stack this module actually has a use
// for.
package discovery

import (
	"context"
	"fmt"

	"github.com/libp2p/zeroconf/v2"

	"shellsync/internal/apperr"
)

const serviceName = "_shell-sync._tcp"

// Advertise registers the relay's service on the LAN until ctx is
// cancelled. port is the relay's WebSocket/HTTP listen port.
func Advertise(ctx context.Context, instance, domain string, port int) error {
	server, err := zeroconf.Register(instance, serviceName, domain+".", port, []string{"v=1", fmt.Sprintf("port=%d", port)}, nil)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "register mdns service")
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Discovered is one relay found via Browse.
type Discovered struct {
	Instance string
	Host     string
	Port     int
}

// Browse returns relays advertising _shell-sync._tcp on the LAN within
// ctx's deadline. Discovery only fills in ServerURL when the client has
// none configured explicitly ("explicit configuration always
// wins"); callers are responsible for that precedence, not this function.
func Browse(ctx context.Context) ([]Discovered, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "create mdns resolver")
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var out []Discovered
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			host := e.HostName
			if len(e.AddrIPv4) > 0 {
				host = e.AddrIPv4[0].String()
			}
			out = append(out, Discovered{Instance: e.Instance, Host: host, Port: e.Port})
		}
	}()

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "browse mdns")
	}
	<-ctx.Done()
	<-done
	return out, nil
}
