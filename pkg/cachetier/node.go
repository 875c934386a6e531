package cachetier

import "net"

// CurrentNodeIP returns the first site-local (private-range) IPv4 address
// bound to any up, non-loopback interface on this host — used to identify
// this peer in the ownership map the way the original provider identifies
// itself by its NFS-visible node IP. Returns KindIllegalState if no such
// address can be found.
func CurrentNodeIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", Wrap(KindIllegalState, "CurrentNodeIP", "", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ip4.IsPrivate() {
				return ip4.String(), nil
			}
		}
	}
	return "", E(KindIllegalState, "CurrentNodeIP", "no site-local IPv4 address found")
}
