// Package targetip implements the optional pre-dispatch target address
// policy: reject outbound URLs that resolve to private, loopback, or
// link-local addresses so the delivery worker cannot be used to reach
// internal infrastructure.
package targetip

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHostnames = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Validate checks that rawURL is safe for the worker to dial. Both the
// literal host and its DNS-resolved addresses are checked. A non-nil error
// means the attempt should be recorded as a transport-level failure and fed
// to the retry engine.
func Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("target URL scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("target URL must have a host")
	}

	for _, b := range blockedHostnames {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("target host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve target host %q: %w", host, err)
	}
	for _, ipStr := range ips {
		resolved := net.ParseIP(ipStr)
		if resolved == nil {
			continue
		}
		if err := checkIP(resolved); err != nil {
			return fmt.Errorf("target host %q resolves to blocked address: %w", host, err)
		}
	}

	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
