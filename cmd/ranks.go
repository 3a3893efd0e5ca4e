package main

import (
	"fmt"
	"net"
	"time"

	"github.com/luca-patrignani/cosim/network"
)

// openIntraComm starts rank of participant. A participant with at most one
// rank address runs serially; otherwise the rank listens on its address and
// reaches the others over HTTP.
func openIntraComm(cfg runConfig, participant string, rank int) (network.IntraComm, error) {
	addrs := cfg.Ranks[participant]
	if len(addrs) <= 1 {
		if rank != 0 {
			return nil, fmt.Errorf("rank %d of %q, which runs on a single rank", rank, participant)
		}
		return network.Serial{}, nil
	}
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("rank %d of %q, which runs on %d ranks", rank, participant, len(addrs))
	}
	l, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, err
	}
	return newRankComm(addrs, rank, l, cfg.timeout()), nil
}

// newRankComm serves rank on l, which must be bound to addrs[rank].
func newRankComm(addrs []string, rank int, l net.Listener, timeout time.Duration) *network.P2P {
	addresses := make(map[int]string, len(addrs))
	for i, a := range addrs {
		addresses[i] = a
	}
	return network.NewP2P(network.NewPeer(rank, addresses, l, network.WithTimeout(timeout)))
}

// localVertices is the number of vertices rank owns when total vertices are
// split in contiguous blocks over size ranks.
func localVertices(total, rank, size int) int {
	n := total / size
	if rank < total%size {
		n++
	}
	return n
}
