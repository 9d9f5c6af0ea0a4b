package discovery

import (
	"context"
	"log"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// DirectoryConfig carries the bind parameters for the directory-query method.
type DirectoryConfig struct {
	Server   string
	BaseDN   string
	BindDN   string
	Password string
	SSL      bool
}

// DirectoryMethod queries a corporate directory (Active Directory) for
// computer objects and emits one DiscoveredDevice per object. It is
// grounded directly on ADEnumerator/parseADOutput: the ScriptExecutor
// capability trait and the embedded Get-ADComputer enumeration script are
// kept as-is; only the output record is adapted from ADComputer to
// DiscoveredDevice.
type DirectoryMethod struct {
	cfg       DirectoryConfig
	enumer    *ADEnumerator
	available bool
}

// NewDirectoryMethod builds the directory-query discovery method. executor
// runs the embedded enumeration script against the directory server.
func NewDirectoryMethod(cfg DirectoryConfig, executor ScriptExecutor) *DirectoryMethod {
	available := cfg.Server != "" && cfg.BindDN != "" && executor != nil
	var enumer *ADEnumerator
	if available {
		enumer = NewADEnumerator(cfg.Server, cfg.BindDN, cfg.Password, baseDNToDomain(cfg.BaseDN), executor)
	}
	return &DirectoryMethod{cfg: cfg, enumer: enumer, available: available}
}

func (m *DirectoryMethod) Name() string { return "directory" }

func (m *DirectoryMethod) IsAvailable() bool { return m.available }

func (m *DirectoryMethod) Discover(ctx context.Context) ([]model.DiscoveredDevice, error) {
	if !m.available {
		return nil, nil
	}

	servers, workstations, err := m.enumer.EnumerateAll(ctx)
	if err != nil {
		return nil, err
	}

	all := append(append([]ADComputer{}, servers...), workstations...)
	m.enumer.ResolveMissingIPs(ctx, all)

	now := time.Now().UTC()
	out := make([]model.DiscoveredDevice, 0, len(all))
	for _, c := range all {
		if !c.Enabled {
			continue
		}
		d := model.DiscoveredDevice{
			Hostname: c.Hostname,
			OSName:   c.OSName,
			Origin:   model.OriginDirectory,
			SeenAt:   now,
		}
		if c.IPAddress != nil {
			d.IP = *c.IPAddress
		}
		if d.IP == "" {
			// IP could not be resolved; the Orchestrator may resolve it
			// later, but an IP-less record cannot be merged by Union.
			log.Printf("[discovery] directory: skipping %s (no resolvable IP)", c.Hostname)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func baseDNToDomain(baseDN string) string {
	return dnToDomain(baseDN)
}
