package network

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"
)

type PeerOption func(Peer) Peer

// WithTimeout bounds every collective. Zero waits forever.
func WithTimeout(timeout time.Duration) PeerOption {
	return func(p Peer) Peer {
		p.timeout = timeout
		return p
	}
}

// WithTLS serves and dials over mutually authenticated TLS. Every peer
// certificate must be signed by a CA in pool.
func WithTLS(cert tls.Certificate, pool *x509.CertPool) PeerOption {
	return func(p Peer) Peer {
		p.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
		}
		p.client = &http.Client{
			Transport: &http.Transport{TLSClientConfig: p.tlsConfig},
		}
		p.scheme = "https"
		return p
	}
}
