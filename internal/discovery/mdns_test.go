package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func entry(instance string, port int, ip string, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	e.HostName = instance + ".local."
	e.Port = port
	e.Text = text
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

// fakeBrowse replays entries, then behaves like the resolver and closes the
// channel when the scan context ends.
func fakeBrowse(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
				}
			}
			<-ctx.Done()
			close(out)
		}()
		return nil
	}
}

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Instance: "office",
		Port:     8787,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	adv, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	adv.Stop()

	if gotInstance != "office" || gotService != DefaultService || gotPort != 8787 {
		t.Fatalf("unexpected registration: %q %q %d", gotInstance, gotService, gotPort)
	}
	want := map[string]bool{"version=1": true, "path=/ws": true}
	for _, kv := range gotTXT {
		delete(want, kv)
	}
	if len(want) != 0 {
		t.Fatalf("missing TXT records %v in %v", want, gotTXT)
	}
}

func TestAdvertiseValidates(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	if _, err := Advertise(Config{Port: 1, registerFn: register}); err == nil {
		t.Fatal("expected missing instance to fail")
	}
	if _, err := Advertise(Config{Instance: "x", registerFn: register}); err == nil {
		t.Fatal("expected missing port to fail")
	}

	boom := errors.New("boom")
	_, err := Advertise(Config{Instance: "x", Port: 1, registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, boom
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected register error to be wrapped, got %v", err)
	}
}

func TestFindReturnsFirstServer(t *testing.T) {
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: fakeBrowse(
			entry("broken", 0, "10.0.0.9"),
			entry("office", 8787, "192.168.1.20", "version=1", "path=/signal"),
			entry("lab", 9000, "192.168.1.30"),
		),
	}

	start := time.Now()
	s, err := Find(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Find waited for the whole scan")
	}
	if s.Instance != "office" || s.Version != 1 {
		t.Fatalf("unexpected server: %+v", s)
	}
	if got := s.URL(); got != "ws://192.168.1.20:8787/signal" {
		t.Fatalf("unexpected URL: %q", got)
	}
}

func TestFindTimesOut(t *testing.T) {
	_, err := Find(context.Background(), Config{ScanTimeout: 20 * time.Millisecond, browseFn: fakeBrowse()})
	if !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Find(ctx, Config{browseFn: fakeBrowse()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBrowseDeduplicates(t *testing.T) {
	office := entry("office", 8787, "192.168.1.20")
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn:    fakeBrowse(office, office, entry("lab", 9000, "")),
	}

	servers, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d: %+v", len(servers), servers)
	}
	if got := servers[1].URL(); got != "ws://lab.local:9000/ws" {
		t.Fatalf("hostname fallback URL: %q", got)
	}
}
