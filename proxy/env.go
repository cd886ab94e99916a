package proxy

import "net"

// noProxy lists loopback names clients reach directly.
const noProxy = "localhost,127.0.0.1,::1"

// Env returns the environment variables that point HTTP clients at a
// proxy listening on addr. Both spellings are set because tools disagree
// on which one they read.
func Env(addr net.Addr) map[string]string {
	u := "http://" + addr.String()
	return map[string]string{
		"HTTP_PROXY":  u,
		"http_proxy":  u,
		"HTTPS_PROXY": u,
		"https_proxy": u,
		"NO_PROXY":    noProxy,
		"no_proxy":    noProxy,
	}
}
