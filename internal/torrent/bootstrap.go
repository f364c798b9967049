package torrent

import (
	"net"
	"strconv"

	"github.com/anacrolix/dht/v2"
	"go.uber.org/zap"
)

// bootstrapNodes returns a starting-nodes getter resolving the configured
// host:port pairs. Unresolvable entries are skipped; when nothing resolves
// the DHT library's global bootstrap set is used instead.
func bootstrapNodes(network string, hosts []string, logger *zap.Logger) dht.StartingNodesGetter {
	return func() ([]dht.Addr, error) {
		addrs := resolveBootstrapNodes(hosts, logger)
		if len(addrs) == 0 {
			return dht.GlobalBootstrapAddrs(network)
		}
		return addrs, nil
	}
}

func resolveBootstrapNodes(hosts []string, logger *zap.Logger) []dht.Addr {
	addrs := make([]dht.Addr, 0, len(hosts))

	for _, node := range hosts {
		host, portStr, err := net.SplitHostPort(node)
		if err != nil {
			logger.Debug("skipping malformed bootstrap node", zap.String("node", node), zap.Error(err))
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			logger.Debug("skipping bootstrap node with bad port", zap.String("node", node))
			continue
		}

		ips, err := net.LookupIP(host)
		if err != nil {
			logger.Debug("bootstrap node lookup failed", zap.String("node", node), zap.Error(err))
			continue
		}

		// First IPv4 address per host
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				addrs = append(addrs, dht.NewAddr(&net.UDPAddr{IP: v4, Port: port}))
				break
			}
		}
	}

	return addrs
}
