package discovery

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// ouiVendors is a small embedded vendor-prefix table for MAC OUI lookup.
// Grounded on internal/discovery/domain.go's demonstrated willingness to
// hand-roll a small lookup rather than add a library that doesn't fit.
var ouiVendors = map[string]string{
	"00:50:56": "vmware",
	"00:0c:29": "vmware",
	"00:1c:42": "parallels",
	"08:00:27": "virtualbox",
	"b8:27:eb": "raspberry-pi",
	"dc:a6:32": "raspberry-pi",
	"00:1b:63": "apple",
	"f0:18:98": "apple",
	"3c:07:54": "hewlett-packard",
	"00:25:b3": "hewlett-packard",
	"00:1e:8c": "cisco",
	"00:0a:8a": "cisco",
	"00:90:a9": "western-digital",
	"00:11:32": "synology",
}

// NeighborMethod reads the local OS neighbor (ARP) cache. It requires no
// privileges: grounded on domain.go's hand-rolled-reader idiom and
// orders/processor.go's exec.Command diagnostic-handler idiom.
type NeighborMethod struct{}

func NewNeighborMethod() *NeighborMethod { return &NeighborMethod{} }

func (m *NeighborMethod) Name() string { return "neighbor" }

func (m *NeighborMethod) IsAvailable() bool { return true }

func (m *NeighborMethod) Discover(ctx context.Context) ([]model.DiscoveredDevice, error) {
	entries, err := readProcNetARP()
	if err != nil || len(entries) == 0 {
		entries = readARPCommand(ctx)
	}

	now := time.Now().UTC()
	out := make([]model.DiscoveredDevice, 0, len(entries))
	for ip, mac := range entries {
		out = append(out, model.DiscoveredDevice{
			IP:     ip,
			MAC:    mac,
			Vendor: lookupOUI(mac),
			Origin: model.OriginNeighbor,
			SeenAt: now,
		})
	}
	return out, nil
}

// readProcNetARP parses Linux's /proc/net/arp table.
func readProcNetARP() (map[string]string, error) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], fields[3]
		if mac == "00:00:00:00:00:00" || mac == "" {
			continue
		}
		entries[ip] = mac
	}
	return entries, scanner.Err()
}

// readARPCommand shells out to `arp -a` as a fallback when /proc/net/arp
// is unavailable (e.g. non-Linux hosts).
func readARPCommand(ctx context.Context) map[string]string {
	entries := make(map[string]string)
	out, err := exec.CommandContext(ctx, "arp", "-a").Output()
	if err != nil {
		log.Printf("[discovery] neighbor: arp -a unavailable: %v", err)
		return entries
	}

	for _, line := range strings.Split(string(out), "\n") {
		// e.g. "host.local (10.0.0.5) at aa:bb:cc:dd:ee:ff [ether] on eth0"
		open := strings.Index(line, "(")
		shut := strings.Index(line, ")")
		if open < 0 || shut < 0 || shut < open {
			continue
		}
		ip := line[open+1 : shut]
		rest := strings.Fields(line[shut+1:])
		for i, tok := range rest {
			if tok == "at" && i+1 < len(rest) {
				mac := strings.ToLower(rest[i+1])
				if isMACLike(mac) {
					entries[ip] = mac
				}
			}
		}
	}
	return entries
}

func isMACLike(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(p, 16, 8); err != nil {
			return false
		}
	}
	return true
}

func lookupOUI(mac string) string {
	mac = strings.ToLower(mac)
	if len(mac) < 8 {
		return ""
	}
	return ouiVendors[mac[:8]]
}
