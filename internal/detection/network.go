package detection

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// ConnectionInfo is one open socket with a remote peer
type ConnectionInfo struct {
	LocalIP    string
	LocalPort  uint32
	RemoteIP   string
	RemotePort uint32
	Protocol   string
	PID        int32
}

// ConnectionLister enumerates open sockets
type ConnectionLister interface {
	Connections(ctx context.Context) ([]ConnectionInfo, error)
}

// Resolver performs DNS lookups; *net.Resolver satisfies it
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// SystemConnections lists inet sockets through gopsutil
type SystemConnections struct{}

// Connections returns sockets that have a remote address
func (SystemConnections) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	stats, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	out := make([]ConnectionInfo, 0, len(stats))
	for _, c := range stats {
		if c.Raddr.IP == "" {
			continue
		}
		out = append(out, ConnectionInfo{
			LocalIP:    c.Laddr.IP,
			LocalPort:  c.Laddr.Port,
			RemoteIP:   c.Raddr.IP,
			RemotePort: c.Raddr.Port,
			Protocol:   socketProtocol(c.Type),
			PID:        c.Pid,
		})
	}
	return out, nil
}

func socketProtocol(sockType uint32) string {
	if sockType == syscall.SOCK_DGRAM {
		return "udp"
	}
	return "tcp"
}

const dnsCacheTTL = 10 * time.Minute

// NetworkDetector flags connections to blocked addresses and AI service domains.
// A remote address matches a domain when it reverse-resolves into the domain
// or when the domain forward-resolves to it.
type NetworkDetector struct {
	cfg      config.NetworkConfig
	lister   ConnectionLister
	resolver Resolver
	blocked  map[string]struct{}

	reverse *expirable.LRU[string, []string]
	forward *expirable.LRU[string, []string]
}

// NewNetworkDetector creates a network detector. resolver may be nil when
// domain resolution is disabled.
func NewNetworkDetector(cfg config.NetworkConfig, lister ConnectionLister, resolver Resolver) *NetworkDetector {
	d := &NetworkDetector{
		cfg:      cfg,
		lister:   lister,
		resolver: resolver,
		blocked:  make(map[string]struct{}, len(cfg.BlockedIPs)),
		reverse:  expirable.NewLRU[string, []string](4096, nil, dnsCacheTTL),
		forward:  expirable.NewLRU[string, []string](256, nil, dnsCacheTTL),
	}
	for _, ip := range cfg.BlockedIPs {
		d.blocked[ip] = struct{}{}
	}
	return d
}

func (d *NetworkDetector) Name() string                  { return "network-monitor" }
func (d *NetworkDetector) Module() model.DetectionModule { return model.ModuleNetwork }

// Scan emits one event per suspicious remote endpoint
func (d *NetworkDetector) Scan(ctx context.Context) ([]*model.DetectionEvent, error) {
	conns, err := d.lister.Connections(ctx)
	if err != nil {
		return nil, err
	}

	var aiAddrs map[string]string
	if d.cfg.ResolveDomains && d.resolver != nil {
		aiAddrs = d.resolveAIDomains(ctx)
	}

	seen := make(map[string]struct{})
	var events []*model.DetectionEvent
	for _, c := range conns {
		ip := net.ParseIP(c.RemoteIP)
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		remote := net.JoinHostPort(c.RemoteIP, strconv.FormatUint(uint64(c.RemotePort), 10))
		if _, dup := seen[remote]; dup {
			continue
		}

		if ev := d.analyze(ctx, c, remote, aiAddrs); ev != nil {
			seen[remote] = struct{}{}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (d *NetworkDetector) analyze(ctx context.Context, c ConnectionInfo, remote string, aiAddrs map[string]string) *model.DetectionEvent {
	details := model.NetworkDetails{
		LocalAddr:  net.JoinHostPort(c.LocalIP, strconv.FormatUint(uint64(c.LocalPort), 10)),
		RemoteAddr: remote,
		Port:       c.RemotePort,
		Protocol:   c.Protocol,
	}

	if domain, ok := aiAddrs[c.RemoteIP]; ok {
		details.Domain = domain
		details.MatchedDomain = domain
		return model.NewDetectionEvent("ai_domain_connection", model.ThreatCritical,
			"Connection to AI service: "+domain, details, d.Name(), pidMetadata(c.PID))
	}

	if d.cfg.ResolveDomains && d.resolver != nil {
		for _, name := range d.reverseLookup(ctx, c.RemoteIP) {
			if matched := d.matchDomain(name); matched != "" {
				details.Domain = name
				details.MatchedDomain = matched
				return model.NewDetectionEvent("ai_domain_connection", model.ThreatCritical,
					"Connection to AI service: "+name, details, d.Name(), pidMetadata(c.PID))
			}
		}
	}

	if _, ok := d.blocked[c.RemoteIP]; ok {
		return model.NewDetectionEvent("blocked_ip_connection", model.ThreatHigh,
			"Connection to blocked address: "+c.RemoteIP, details, d.Name(), pidMetadata(c.PID))
	}

	return nil
}

// matchDomain returns the configured AI domain name belongs to, if any
func (d *NetworkDetector) matchDomain(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	for _, domain := range d.cfg.AIDomains {
		domain = strings.ToLower(domain)
		if name == domain || strings.HasSuffix(name, "."+domain) {
			return domain
		}
	}
	return ""
}

func (d *NetworkDetector) reverseLookup(ctx context.Context, ip string) []string {
	if names, ok := d.reverse.Get(ip); ok {
		return names
	}
	names, err := d.resolver.LookupAddr(ctx, ip)
	if err != nil {
		names = nil
	}
	d.reverse.Add(ip, names)
	return names
}

// resolveAIDomains maps every address the AI domains resolve to back to its domain
func (d *NetworkDetector) resolveAIDomains(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for _, domain := range d.cfg.AIDomains {
		if strings.Contains(domain, "/") {
			continue
		}
		addrs, ok := d.forward.Get(domain)
		if !ok {
			var err error
			addrs, err = d.resolver.LookupHost(ctx, domain)
			if err != nil {
				addrs = nil
			}
			d.forward.Add(domain, addrs)
		}
		for _, a := range addrs {
			if _, exists := out[a]; !exists {
				out[a] = domain
			}
		}
	}
	return out
}

func pidMetadata(pid int32) map[string]string {
	if pid <= 0 {
		return nil
	}
	return map[string]string{"pid": strconv.Itoa(int(pid))}
}
