package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// PortscanConfig bounds the active portscan method's behavior.
type PortscanConfig struct {
	Ranges            []string // CIDR strings, e.g. "10.0.0.0/24"
	HostTimeoutSeconds int
	MaxConcurrent     int
}

// defaultScanPorts is the fixed port list probed per host; this mirrors
// netscan.go's checkHostReachability idiom (net.DialTimeout against a fixed
// list of ports) generalized from a few known hosts to every address in a
// CIDR.
var defaultScanPorts = []int{21, 22, 23, 25, 53, 69, 80, 88, 104, 135, 139, 161, 162,
	389, 443, 445, 512, 513, 514, 515, 631, 636, 1433, 1521, 2575, 3268, 3269,
	3306, 3389, 5432, 8080, 8443, 9100, 11112}

// serviceNameByPort is a best-effort banner-free service guess used when a
// connect-scan can't retrieve an actual banner.
var serviceNameByPort = map[int]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "dns", 80: "http",
	88: "kerberos", 104: "dicom", 135: "msrpc", 139: "netbios", 161: "snmp",
	162: "snmptrap", 389: "ldap", 443: "https", 445: "smb", 512: "rexec",
	513: "rlogin", 514: "syslog", 515: "lpd", 631: "ipp", 636: "ldaps",
	1433: "mssql", 1521: "oracle", 3268: "gc", 3269: "gcs", 3306: "mysql",
	3389: "rdp", 5432: "postgres", 8080: "http-alt", 8443: "https-alt", 9100: "jetdirect",
	11112: "dicom",
}

// PortscanMethod runs a bounded-concurrency TCP connect scan over configured
// CIDR ranges.
type PortscanMethod struct {
	cfg PortscanConfig
}

func NewPortscanMethod(cfg PortscanConfig) *PortscanMethod {
	if cfg.HostTimeoutSeconds <= 0 {
		cfg.HostTimeoutSeconds = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	return &PortscanMethod{cfg: cfg}
}

func (m *PortscanMethod) Name() string { return "portscan" }

func (m *PortscanMethod) IsAvailable() bool { return len(m.cfg.Ranges) > 0 }

func (m *PortscanMethod) Discover(ctx context.Context) ([]model.DiscoveredDevice, error) {
	var hosts []string
	for _, cidr := range m.cfg.Ranges {
		ips, err := expandCIDR(cidr)
		if err != nil {
			log.Printf("[discovery] portscan: skipping invalid range %q: %v", cidr, err)
			continue
		}
		hosts = append(hosts, ips...)
	}

	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	results := make(chan model.DiscoveredDevice, len(hosts))
	timeout := time.Duration(m.cfg.HostTimeoutSeconds) * time.Second

	done := make(chan struct{})
	go func() {
	hostLoop:
		for _, ip := range hosts {
			select {
			case <-ctx.Done():
				break hostLoop
			default:
			}
			sem <- struct{}{}
			go func(ip string) {
				defer func() { <-sem }()
				if d, ok := scanHost(ctx, ip, timeout); ok {
					results <- d
				}
			}(ip)
		}
		for i := 0; i < cap(sem); i++ {
			sem <- struct{}{}
		}
		close(done)
		close(results)
	}()

	var out []model.DiscoveredDevice
	for d := range results {
		out = append(out, d)
	}
	<-done
	return out, nil
}

func scanHost(ctx context.Context, ip string, timeout time.Duration) (model.DiscoveredDevice, bool) {
	var openPorts []int
	services := map[string]string{}

	for _, port := range defaultScanPorts {
		select {
		case <-ctx.Done():
			return model.DiscoveredDevice{}, false
		default:
		}
		addr := net.JoinHostPort(ip, strconv.Itoa(port))
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			continue
		}
		conn.Close()
		openPorts = append(openPorts, port)
		if svc, ok := serviceNameByPort[port]; ok {
			services[strconv.Itoa(port)] = svc
		}
	}

	if len(openPorts) == 0 {
		return model.DiscoveredDevice{}, false
	}

	return model.DiscoveredDevice{
		IP:       ip,
		Ports:    openPorts,
		Services: services,
		Origin:   model.OriginPortscan,
		SeenAt:   time.Now().UTC(),
	}, true
}

// expandCIDR returns every host address in a CIDR range (network and
// broadcast addresses excluded for ranges larger than /31).
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse CIDR: %w", err)
	}

	var ips []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); incIP(cur) {
		dup := make(net.IP, len(cur))
		copy(dup, cur)
		ips = append(ips, dup.String())
	}

	ones, bits := ipnet.Mask.Size()
	if bits-ones >= 2 && len(ips) > 2 {
		ips = ips[1 : len(ips)-1] // drop network and broadcast addresses
	}
	return ips, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
