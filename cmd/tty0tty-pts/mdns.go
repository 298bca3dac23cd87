package main

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_tty0tty._tcp"

// registerMDNS is swapped in tests.
var registerMDNS = startMDNS

// startMDNS advertises the pair on the metrics port and returns a cleanup
// function that sends the goodbye and returns once it is out. The TXT
// records carry both endpoint names.
func startMDNS(cfg *appConfig, port int, a, b string) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("tty0tty-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsTXT(a, b), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return svc.Shutdown, nil
}

func mdnsTXT(a, b string) []string {
	return []string{
		"a=" + a,
		"b=" + b,
		"version=" + version,
		"commit=" + commit,
	}
}
