package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Registry is an HTTP directory server. Entries live in memory.
//
//	GET    /<name>  -> 200 address | 404
//	PUT    /<name>  body = address
//	DELETE /<name>
type Registry struct {
	host      string
	port      uint16
	startPort uint16
	endPort   uint16
	server    *http.Server
	handler   *registryHandler
}

type registryHandler struct {
	mu      sync.RWMutex
	entries map[string]string
}

func (h *registryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.mu.RLock()
		address, ok := h.entries[name]
		h.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if _, err := w.Write([]byte(address)); err != nil {
			return
		}
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.entries[name] = string(body)
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		h.mu.Lock()
		delete(h.entries, name)
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type option func(Registry) Registry

// NewRegistry binds the first free port of the configured range and starts serving.
func NewRegistry(opts ...option) (*Registry, error) {
	r := Registry{
		host:      "localhost",
		startPort: 9000,
		endPort:   9010,
		handler:   &registryHandler{entries: make(map[string]string)},
	}
	for _, opt := range opts {
		r = opt(r)
	}

	var l net.Listener
	var err error
	for port := int(r.startPort); port <= int(r.endPort); port++ {
		l, err = net.Listen("tcp", net.JoinHostPort(r.host, fmt.Sprint(port)))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no free port in %d-%d: %w", r.startPort, r.endPort, err)
	}
	r.port = uint16(l.Addr().(*net.TCPAddr).Port)
	r.server = &http.Server{Handler: r.handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := r.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()
	return &r, nil
}

func WithPortRange(startPort, endPort uint16) option {
	return func(r Registry) Registry {
		r.startPort = startPort
		r.endPort = endPort
		return r
	}
}

// WithPort binds exactly one port; 0 lets the kernel choose.
func WithPort(port uint16) option {
	return WithPortRange(port, port)
}

func WithHost(host string) option {
	return func(r Registry) Registry {
		r.host = host
		return r
	}
}

// URL is the base URL clients connect to.
func (r *Registry) URL() string {
	return "http://" + net.JoinHostPort(r.host, fmt.Sprint(r.port))
}

func (r *Registry) Close() error {
	return r.server.Shutdown(context.Background())
}

// Client is the Directory view of a remote Registry.
type Client struct {
	base   string
	client http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: http.Client{Timeout: timeout},
	}
}

func (c *Client) do(method, name string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+"/"+sanitize(name), body)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *Client) Publish(name, address string) error {
	resp, err := c.do(http.MethodPut, name, strings.NewReader(address))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("publishing %q: unexpected status %d", name, resp.StatusCode)
	}
	return nil
}

func (c *Client) Lookup(name string) (string, error) {
	resp, err := c.do(http.MethodGet, name, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	default:
		return "", fmt.Errorf("looking up %q: unexpected status %d", name, resp.StatusCode)
	}
}

func (c *Client) Remove(name string) error {
	resp, err := c.do(http.MethodDelete, name, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("removing %q: unexpected status %d", name, resp.StatusCode)
	}
	return nil
}
