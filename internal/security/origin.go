package security

import "net/url"

// LocalhostOrigin reports whether an Origin header value is
// http://localhost or http://127.0.0.1 on any port.
func LocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
