package launcher

import (
	"net"
	"net/url"
)

// dockerHostGateway reaches the host's published ports from a container.
const dockerHostGateway = "host.docker.internal"

// containerRedisURL rewrites a loopback run store address so that job
// containers reach the host's Redis instead of their own loopback
// interface. URLs are returned unchanged on the host network or when they
// do not parse.
func containerRedisURL(redisURL, network string) string {
	if redisURL == "" || network == "host" {
		return redisURL
	}
	u, err := url.Parse(redisURL)
	if err != nil {
		return redisURL
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return redisURL
		}
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(dockerHostGateway, port)
	} else {
		u.Host = dockerHostGateway
	}
	return u.String()
}
