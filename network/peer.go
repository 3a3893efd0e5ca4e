package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/luca-patrignani/cosim/backoff"
)

// Peer is one rank of a participant, reachable over HTTP.
// Addresses[i] contains the address to reach the Peer with Rank i.
type Peer struct {
	Rank      int
	Addresses map[int]string
	clock     uint64
	server    *http.Server
	handler   *broadcastHandler
	timeout   time.Duration
	tlsConfig *tls.Config
	client    *http.Client
	scheme    string
}

// NewPeer starts serving on l. The listener must be bound to Addresses[rank].
func NewPeer(rank int, addresses map[int]string, l net.Listener, opts ...PeerOption) *Peer {
	handler := &broadcastHandler{
		contentChannel: make(chan []byte),
		errChannel:     make(chan error),
	}
	p := Peer{
		Rank:      rank,
		Addresses: copyMap(addresses),
		server:    &http.Server{Addr: addresses[rank], Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		handler:   handler,
		client:    &http.Client{},
		scheme:    "http",
	}
	for _, opt := range opts {
		p = opt(p)
	}
	p.client.Timeout = p.timeout
	if p.tlsConfig != nil {
		l = tls.NewListener(l, p.tlsConfig)
	}
	go func() {
		err := p.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()
	return &p
}

func (p *Peer) Close() error {
	return p.server.Shutdown(context.Background())
}

type broadcastHandler struct {
	active         atomic.Bool
	clock          atomic.Uint64
	contentChannel chan []byte
	errChannel     chan error
}

func (h *broadcastHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if !h.active.Load() {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	senderClockS, ok := req.Header["Clock"]
	if !ok {
		rw.WriteHeader(http.StatusNotAcceptable)
		h.errChannel <- fmt.Errorf("from handler: Clock field is not present in request")
		return
	}
	senderClock, err := strconv.ParseUint(senderClockS[0], 10, 64)
	if err != nil {
		rw.WriteHeader(http.StatusNotAcceptable)
		h.errChannel <- fmt.Errorf("from handler: Clock field is not a number")
		return
	}
	if senderClock != h.clock.Load() {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	content, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		h.errChannel <- fmt.Errorf("from handler: %v", err)
		return
	}
	h.contentChannel <- content
	rw.WriteHeader(http.StatusAccepted)
}

// Broadcast sends bufferSend of the Peer with Rank root to every node.
// The returned buffer is the one sent by root.
// This function will implicitly synchronize the peers.
func (p *Peer) Broadcast(bufferSend []byte, root int) ([]byte, error) {
	bufferRecv, err := p.broadcastNoBarrier(bufferSend, root)
	if err != nil {
		return nil, err
	}
	if err := p.barrier(); err != nil {
		return nil, err
	}
	return bufferRecv, nil
}

// AllToAll sends bufferSend of every caller to every node.
// bufferRecv[i] will contain the value sent by the Peer with Rank i.
func (p *Peer) AllToAll(bufferSend []byte) (bufferRecv [][]byte, err error) {
	size, ok := maxKey(p.Addresses)
	if !ok {
		return nil, fmt.Errorf("no addresses found")
	}

	orderedRanks := make([]int, 0, len(p.Addresses))
	for k := range p.Addresses {
		orderedRanks = append(orderedRanks, k)
	}
	sort.Ints(orderedRanks)

	bufferRecv = make([][]byte, size+1)
	for _, i := range orderedRanks {
		recv, err := p.broadcastNoBarrier(bufferSend, i)
		if err != nil {
			return nil, err
		}
		bufferRecv[i] = recv
	}
	return bufferRecv, nil
}

// barrier guarantees that no Peer's control flow will leave this function
// until every peer has entered it.
func (p *Peer) barrier() error {
	_, err := p.AllToAll(nil)
	return err
}

// CreateListeners binds n localhost listeners on free ports.
func CreateListeners(n int) (map[int]net.Listener, map[int]string, error) {
	listeners := make(map[int]net.Listener)
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			for _, l := range listeners {
				err = errors.Join(err, l.Close())
			}
			return nil, nil, err
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses, nil
}

func (p *Peer) post(ctx context.Context, addr string, receiver int, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.scheme+"://"+addr, bytes.NewReader(body))
	if err != nil {
		return errors.Join(backoff.ErrPermanent, err)
	}
	req.Header["Clock"] = []string{fmt.Sprint(p.clock)}
	req.Header["SenderRank"] = []string{fmt.Sprint(p.Rank)}
	req.Header["ReceiverRank"] = []string{fmt.Sprint(receiver)}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	if err := resp.Body.Close(); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("peer %d answered with status code %d", receiver, resp.StatusCode)
	}
	return nil
}

// broadcastNoBarrier delivers bufferSend of root to every node.
// Receivers not yet listening for this round answer NotAcceptable and root retries.
func (p *Peer) broadcastNoBarrier(bufferSend []byte, root int) ([]byte, error) {
	p.clock++
	if root == p.Rank {
		ctx := context.Background()
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		retry := backoff.Config{MaxWait: 50 * time.Millisecond, Report: func(error) error { return nil }}
		for i, addr := range p.Addresses {
			if i == p.Rank {
				continue
			}
			err := retry.Retry(ctx, func() error {
				return p.post(ctx, addr, i, bufferSend)
			})
			if err != nil {
				return nil, fmt.Errorf("connection attempts to peer %d timed out: %w", i, err)
			}
		}
		return bufferSend, nil
	}
	p.handler.clock.Store(p.clock)
	p.handler.active.Store(true)
	defer p.handler.active.Store(false)
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case recv := <-p.handler.contentChannel:
		return recv, nil
	case err := <-p.handler.errChannel:
		return nil, err
	case <-timeout:
		err := p.Close()
		return nil, errors.Join(err, fmt.Errorf("the peer waiting for rank %d timed out", root))
	}
}

func maxKey(m map[int]string) (max int, ok bool) {
	for k := range m {
		if !ok || k > max {
			max = k
			ok = true
		}
	}
	return
}

func copyMap(original map[int]string) map[int]string {
	copied := make(map[int]string, len(original))
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
