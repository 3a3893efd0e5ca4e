package network

import (
	"fmt"
	"slices"
)

// IntraComm connects the ranks of one participant.
// Every rank must call the same collectives in the same order.
type IntraComm interface {
	Rank() int
	Size() int
	// Broadcast returns the buffer passed by root on every rank.
	Broadcast(buf []byte, root int) ([]byte, error)
	// AllToAll returns, on every rank, the buffers of all ranks indexed by rank.
	AllToAll(buf []byte) ([][]byte, error)
}

// P2P adapts a Peer to IntraComm.
type P2P struct {
	peer *Peer
}

func NewP2P(peer *Peer) *P2P {
	return &P2P{peer: peer}
}

func (p *P2P) Broadcast(data []byte, root int) ([]byte, error) {
	return p.peer.Broadcast(data, root)
}

func (p *P2P) AllToAll(data []byte) ([][]byte, error) {
	return p.peer.AllToAll(data)
}

func (p *P2P) Rank() int {
	return p.peer.Rank
}

func (p *P2P) Size() int {
	return len(p.peer.Addresses)
}

func (p *P2P) Close() error {
	return p.peer.Close()
}

// Serial is the communicator of a participant running on a single rank.
type Serial struct{}

func (Serial) Rank() int { return 0 }
func (Serial) Size() int { return 1 }

func (Serial) Broadcast(buf []byte, root int) ([]byte, error) {
	if root != 0 {
		return nil, fmt.Errorf("broadcast from rank %d in a serial communicator", root)
	}
	return buf, nil
}

func (Serial) AllToAll(buf []byte) ([][]byte, error) {
	return [][]byte{buf}, nil
}

// LocalGroup returns n communicators whose ranks run as goroutines of the
// same process. Rank i must only be used by one goroutine.
func LocalGroup(n int) []IntraComm {
	boxes := make([][]chan []byte, n)
	for from := range boxes {
		boxes[from] = make([]chan []byte, n)
		for to := range boxes[from] {
			boxes[from][to] = make(chan []byte, 1)
		}
	}
	comms := make([]IntraComm, n)
	for i := range comms {
		comms[i] = &localRank{rank: i, boxes: boxes}
	}
	return comms
}

type localRank struct {
	rank  int
	boxes [][]chan []byte
}

func (l *localRank) Rank() int { return l.rank }
func (l *localRank) Size() int { return len(l.boxes) }

func (l *localRank) Broadcast(buf []byte, root int) ([]byte, error) {
	if root < 0 || root >= len(l.boxes) {
		return nil, fmt.Errorf("broadcast from rank %d in a group of %d", root, len(l.boxes))
	}
	if root != l.rank {
		return <-l.boxes[root][l.rank], nil
	}
	for to := range l.boxes {
		if to != l.rank {
			l.boxes[l.rank][to] <- slices.Clone(buf)
		}
	}
	return buf, nil
}

func (l *localRank) AllToAll(buf []byte) ([][]byte, error) {
	for to := range l.boxes {
		if to != l.rank {
			l.boxes[l.rank][to] <- slices.Clone(buf)
		}
	}
	recv := make([][]byte, len(l.boxes))
	for from := range l.boxes {
		if from == l.rank {
			recv[from] = buf
			continue
		}
		recv[from] = <-l.boxes[from][l.rank]
	}
	return recv, nil
}
