package main

import (
	"testing"
)

func TestInterfaceAddress(t *testing.T) {
	name, err := loopbackInterface()
	if err != nil {
		t.Skip(err)
	}
	ip, err := interfaceAddress(name)
	if err != nil {
		t.Fatal(err)
	}
	if !ip.IsLoopback() {
		t.Fatalf("expected a loopback address on %s, got %v", name, ip)
	}
	host, err := listenHost(discoveryConfig{Network: name, Host: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if host != ip.String() {
		t.Fatalf("expected %s, got %s", ip, host)
	}
}

func TestListenHostDefault(t *testing.T) {
	host, err := listenHost(discoveryConfig{Host: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if host != "127.0.0.1" {
		t.Fatalf("expected 127.0.0.1, got %s", host)
	}
	if _, err := listenHost(discoveryConfig{Network: "no-such-interface0"}); err == nil {
		t.Fatal("expected an error for an unknown interface")
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("10.0.0.1", 9000)
	if err != nil {
		t.Fatal(err)
	}
	if host != "10.0.0.1" || port != "9000" {
		t.Fatalf("expected 10.0.0.1:9000, got %s:%s", host, port)
	}
	host, port, err = splitHostPort("localhost:9005", 9000)
	if err != nil {
		t.Fatal(err)
	}
	if host != "localhost" || port != "9005" {
		t.Fatalf("expected localhost:9005, got %s:%s", host, port)
	}
}
