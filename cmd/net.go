package main

import (
	"fmt"
	"net"
	"strconv"
)

// interfaceAddress returns the first IPv4 address of the named network
// interface, the IPv6 one if it has none.
func interfaceAddress(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	var fallback net.IP
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip.To4() != nil {
			return ip, nil
		}
		if fallback == nil {
			fallback = ip
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("interface %s has no address", name)
	}
	return fallback, nil
}

// loopbackInterface returns the name of the first loopback interface.
func loopbackInterface() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 && ifi.Flags&net.FlagUp != 0 {
			return ifi.Name, nil
		}
	}
	return "", fmt.Errorf("no loopback interface")
}

// listenHost picks the address endpoints are published under: the address
// of the configured interface, else the configured host.
func listenHost(d discoveryConfig) (string, error) {
	if d.Network == "" {
		return d.Host, nil
	}
	ip, err := interfaceAddress(d.Network)
	if err != nil {
		return "", fmt.Errorf("network %q: %w", d.Network, err)
	}
	return ip.String(), nil
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", err
		}
	}
	return ipaddr, port, nil
}
