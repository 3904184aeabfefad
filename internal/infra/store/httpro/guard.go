package httpro

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	"geneatlas/internal/store/core"
)

var broadcastV4 = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ValidateURL rejects targets that point at the local host or at private,
// loopback, link-local, broadcast or unspecified addresses in either family.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return core.Wrap(core.CodeValidation, err, "parse url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return core.Errorf(core.CodeValidation, "unsupported url scheme %q", u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return core.Errorf(core.CodeValidation, "url has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return core.Errorf(core.CodeValidation, "blocked host %s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && blockedAddr(addr) {
		return core.Errorf(core.CodeValidation, "blocked address %s", addr)
	}
	return nil
}

func blockedAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() ||
		a.IsUnspecified() ||
		a == broadcastV4
}

// dialControl re-checks the resolved peer so DNS names cannot smuggle a
// request to a blocked address.
func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial %s: unparseable peer address", address)
	}
	if blockedAddr(addr) {
		return fmt.Errorf("dial %s: blocked address", address)
	}
	return nil
}
