package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

func TestUnion_MergesByIPPreferringRicherRecord(t *testing.T) {
	a := []model.DiscoveredDevice{{IP: "10.0.0.5", Hostname: "host5", Origin: model.OriginNeighbor}}
	b := []model.DiscoveredDevice{{IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Ports: []int{22, 80}, Origin: model.OriginPortscan}}

	merged := Union([][]model.DiscoveredDevice{a, b})
	if len(merged) != 1 {
		t.Fatalf("len = %d, want 1", len(merged))
	}
	d := merged[0]
	if d.Hostname != "host5" || d.MAC != "aa:bb:cc:dd:ee:ff" || len(d.Ports) != 2 {
		t.Fatalf("merged record = %+v, want hostname/mac/ports all populated", d)
	}
}

func TestUnion_SkipsEmptyIP(t *testing.T) {
	a := []model.DiscoveredDevice{{Hostname: "no-ip"}}
	merged := Union([][]model.DiscoveredDevice{a})
	if len(merged) != 0 {
		t.Fatalf("len = %d, want 0", len(merged))
	}
}

func TestCheckinRegistry_ListActiveExcludesStale(t *testing.T) {
	r := NewCheckinRegistry(50 * time.Millisecond)
	r.Register(model.DiscoveredDevice{IP: "10.0.0.9", Hostname: "agent1"})

	active := r.ListActive()
	if len(active) != 1 {
		t.Fatalf("ListActive() len = %d, want 1", len(active))
	}

	time.Sleep(80 * time.Millisecond)
	active = r.ListActive()
	if len(active) != 0 {
		t.Fatalf("after staleness window, ListActive() len = %d, want 0", len(active))
	}
}

func TestCheckinRegistry_CleanupStaleRemovesEntries(t *testing.T) {
	r := NewCheckinRegistry(30 * time.Millisecond)
	r.Register(model.DiscoveredDevice{IP: "10.0.0.9"})
	time.Sleep(60 * time.Millisecond)

	if n := r.CleanupStale(); n != 1 {
		t.Fatalf("CleanupStale() = %d, want 1", n)
	}
	if len(r.ListActive()) != 0 {
		t.Fatal("expected empty registry after cleanup")
	}
}

func TestAgentCheckinMethod_Discover(t *testing.T) {
	reg := NewCheckinRegistry(time.Minute)
	reg.Register(model.DiscoveredDevice{IP: "10.0.0.10"})
	m := NewAgentCheckinMethod(reg)

	if !m.IsAvailable() {
		t.Fatal("expected available")
	}
	got, err := m.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].IP != "10.0.0.10" {
		t.Fatalf("Discover() = %+v", got)
	}
}

func TestExpandCIDR_ExcludesNetworkAndBroadcast(t *testing.T) {
	ips, err := expandCIDR("10.0.0.0/30")
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 2 {
		t.Fatalf("len = %d, want 2 (exclude network/broadcast)", len(ips))
	}
	for _, ip := range ips {
		if ip == "10.0.0.0" || ip == "10.0.0.3" {
			t.Errorf("unexpected network/broadcast address in result: %s", ip)
		}
	}
}

func TestLookupOUI(t *testing.T) {
	if v := lookupOUI("00:50:56:11:22:33"); v != "vmware" {
		t.Fatalf("got %q, want vmware", v)
	}
	if v := lookupOUI("ff:ff:ff:ff:ff:ff"); v != "" {
		t.Fatalf("got %q, want empty for unknown OUI", v)
	}
}
