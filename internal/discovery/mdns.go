// Package discovery advertises and finds the signaling server on the LAN
// over mDNS, so clients can connect without a configured URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_drop-signal._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPath is the WebSocket path advertised when none is set.
	DefaultPath = "/ws"
)

var ErrNoServer = errors.New("no signaling server found on the local network")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and scanning.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// Advertising only.
	Instance string
	Port     int
	Path     string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser publishes the signaling server via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the signaling server listening on cfg.Port.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + cfg.Path,
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Server is one discovered signaling server.
type Server struct {
	Instance  string
	HostName  string
	Port      int
	Path      string
	Version   int
	Addresses []string
}

// URL returns the WebSocket URL of s, preferring an IPv4 address.
func (s Server) URL() string {
	host := strings.TrimSuffix(s.HostName, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(s.Port)) + s.Path
}

// Find returns the first signaling server that answers within ScanTimeout.
func Find(ctx context.Context, config Config) (Server, error) {
	var found *Server
	err := scan(ctx, config, func(s Server) bool {
		found = &s
		return false
	})
	if err != nil {
		return Server{}, err
	}
	if found == nil {
		return Server{}, ErrNoServer
	}
	return *found, nil
}

// Browse lists every signaling server seen within ScanTimeout.
func Browse(ctx context.Context, config Config) ([]Server, error) {
	seen := make(map[string]bool)
	var out []Server
	err := scan(ctx, config, func(s Server) bool {
		key := s.Instance + "|" + s.URL()
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
		return true
	})
	return out, err
}

// scan feeds each resolved entry to handle until it returns false or the
// scan times out.
func scan(ctx context.Context, config Config, handle func(Server) bool) error {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return ctx.Err()
			}
			s, valid := fromEntry(entry)
			if valid && !handle(s) {
				return nil
			}
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}
	}
}

func fromEntry(entry *zeroconf.ServiceEntry) (Server, bool) {
	if entry == nil || entry.Port <= 0 {
		return Server{}, false
	}
	s := Server{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Path:     DefaultPath,
	}
	for _, kv := range entry.Text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			if strings.HasPrefix(value, "/") {
				s.Path = value
			}
		case "version":
			s.Version, _ = strconv.Atoi(value)
		}
	}
	for _, ip := range entry.AddrIPv4 {
		s.Addresses = append(s.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		s.Addresses = append(s.Addresses, ip.String())
	}
	if len(s.Addresses) == 0 && s.HostName == "" {
		return Server{}, false
	}
	return s, true
}
