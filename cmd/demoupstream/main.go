/*
Command demoupstream is an example origin server for manually driving the
gateway end-to-end during local development. Configuration is read only
from YAML (configs/config-upstream.yaml or .yml), the same forgiving
single-or-list "listen" shape the demo upstream has always used.

Not production infrastructure: it exists to give the gateway something
real to proxy to when trying out routing, rate limits, queueing, retries,
and key rotation by hand.
*/
package main

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/keyport/gateway/internal/upstream"

	"gopkg.in/yaml.v3"
)

// stringList allows YAML "listen" to be either a single string or a
// sequence, so demo configs stay forgiving.
type stringList []string

type upstreamYAML struct {
	Upstream *struct {
		Listen stringList `yaml:"listen"`
	} `yaml:"upstream"`
}

func main() {
	listenAddrs := loadListenAddresses()

	if len(listenAddrs) > 1 {
		var wg sync.WaitGroup
		for _, addr := range listenAddrs {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				if err := upstream.Start(addr); err != nil {
					log.Printf("demo upstream %s exited: %v", addr, err)
				}
			}(addr)
		}
		wg.Wait()
		return
	}

	addr := strings.TrimSpace(listenAddrs[0])
	if err := upstream.Start(addr); err != nil {
		log.Fatal(err)
	}
}

// loadListenAddresses returns the listen addresses from
// configs/config-upstream.{yaml,yml} if present, else [":8000"].
func loadListenAddresses() []string {
	defaultAddrs := []string{":8000"}

	var configPath string
	for _, c := range []string{"configs/config-upstream.yaml", "configs/config-upstream.yml"} {
		if _, err := os.Stat(c); err == nil {
			configPath = c
			break
		}
	}
	if configPath == "" {
		return defaultAddrs
	}

	b, err := os.ReadFile(configPath)
	if err != nil {
		return defaultAddrs
	}
	var cfg upstreamYAML
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return defaultAddrs
	}
	if cfg.Upstream != nil && len(cfg.Upstream.Listen) > 0 {
		return cfg.Upstream.Listen
	}
	return defaultAddrs
}
