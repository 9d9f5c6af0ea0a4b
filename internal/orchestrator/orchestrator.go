// Package orchestrator wires the Inventory Store, Discovery Fabric,
// Classifier, Compliance Runner, Healing Engine, and Evidence Replicator
// into a scheduled process with an HTTP boundary surface.
//
// Grounded on internal/daemon/daemon.go's Run/runCycle main-loop shape
// (ticker-driven cycle, async fire-and-forget subtasks, graceful-shutdown
// WaitGroup drain with a bounded timeout), generalized from a raw ticker to
// robfig/cron so the daily discovery sweep and the monthly incident
// retention sweep can each keep their own site-local-time schedule.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridianfield/sentinel/internal/ca"
	"github.com/meridianfield/sentinel/internal/classifier"
	"github.com/meridianfield/sentinel/internal/compliance"
	"github.com/meridianfield/sentinel/internal/discovery"
	"github.com/meridianfield/sentinel/internal/evidence"
	"github.com/meridianfield/sentinel/internal/healing"
	"github.com/meridianfield/sentinel/internal/model"
	"github.com/meridianfield/sentinel/internal/sdnotify"
	"github.com/meridianfield/sentinel/internal/store"
)

// Store is the subset of *store.Store the Orchestrator drives directly
// (discovery and compliance use narrower interfaces of their own).
type Store interface {
	CreateScan(scan *model.Scan) error
	CompleteScan(id string, lifecycle model.ScanLifecycle, found, newCount, changed, medicalExcluded int, errMsg string) error
	UpsertDevice(d *model.Device) (isNew bool, isChanged bool, err error)
	UpsertPorts(deviceID string, ports []model.DevicePort) error
	UpdateStatus(id string, status model.DeviceStatus) error
	ListDevicesForScanning() ([]*model.Device, error)
	ListDevices(f store.ListDevicesFilter) ([]*model.Device, int, error)
	GetDeviceByID(id string) (*model.Device, error)
	ListPorts(deviceID string) ([]model.DevicePort, error)
	UpdatePolicy(id string, policy model.ScanPolicy, manuallyOptedIn, phiAccessFlag *bool) error
	AppendComplianceResults(deviceID string, results []model.ComplianceCheckResult) error
	PruneResolvedIncidents(cutoff time.Time) (int64, error)
}

// Orchestrator owns scan scheduling, the HTTP boundary, periodic evidence
// replication, and agent check-in routing.
type Orchestrator struct {
	cfg   Config
	store Store

	methods  []discovery.Method
	checkins *discovery.CheckinRegistry

	healer      *healing.HealingEngine
	learning    *healing.LearningLoop
	replicator  *evidence.Replicator
	assembler   *evidence.Assembler
	endpointCA  *ca.EndpointCA

	cron *cron.Cron

	mu         sync.Mutex
	scanning   bool
	lastScan   *model.Scan
	httpServer interface{ Shutdown(context.Context) error }

	wg sync.WaitGroup
}

// Deps bundles the collaborators the Orchestrator wires together. Any
// healing/evidence field left nil disables that subsystem, matching the
// config's level*_enabled / worm.enabled switches.
type Deps struct {
	Store      Store
	Methods    []discovery.Method
	Checkins   *discovery.CheckinRegistry
	Healer     *healing.HealingEngine
	Learning   *healing.LearningLoop
	Replicator *evidence.Replicator
	Assembler  *evidence.Assembler
	EndpointCA *ca.EndpointCA
}

// New builds an Orchestrator from cfg and deps.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		methods:    deps.Methods,
		checkins:   deps.Checkins,
		healer:     deps.Healer,
		learning:   deps.Learning,
		replicator: deps.Replicator,
		assembler:  deps.Assembler,
		endpointCA: deps.EndpointCA,
		cron:       cron.New(),
	}
}

// Run starts the scheduler and HTTP surface and blocks until ctx is
// canceled, then drains in-flight work with a bounded timeout before
// returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Printf("[orchestrator] starting site=%s", o.cfg.SiteID)

	if _, err := o.cron.AddFunc(fmt.Sprintf("%d %d * * *", o.cfg.Schedule.DailyHour, o.cfg.Schedule.DailyMinute), func() {
		o.runScheduledScan(ctx)
	}); err != nil {
		return fmt.Errorf("schedule daily scan: %w", err)
	}
	if _, err := o.cron.AddFunc(fmt.Sprintf("0 3 %d * *", o.cfg.Schedule.RetentionDayOfMonth), func() {
		o.runRetentionSweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	if o.replicator != nil && o.cfg.WORM.Enabled && o.cfg.WORM.AutoUpload {
		spec := fmt.Sprintf("@every %dm", max1(o.cfg.Schedule.ReplicationMinutes))
		if _, err := o.cron.AddFunc(spec, func() { o.runReplication(ctx) }); err != nil {
			return fmt.Errorf("schedule replication: %w", err)
		}
	}
	if o.learning != nil && o.cfg.Healing.LearningEnabled {
		spec := fmt.Sprintf("@every %dm", max1(o.cfg.Schedule.LearningMinutes))
		if _, err := o.cron.AddFunc(spec, func() { o.runLearning() }); err != nil {
			return fmt.Errorf("schedule learning loop: %w", err)
		}
	}
	o.cron.Start()

	srv := o.newHTTPServer()
	o.httpServer = srv
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		var err error
		if o.cfg.API.MTLSEnabled && o.endpointCA != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !isServerClosed(err) {
			log.Printf("[orchestrator] http server error: %v", err)
		}
	}()

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[orchestrator] sd_notify READY failed: %v", err)
	}

	<-ctx.Done()
	log.Println("[orchestrator] shutting down")
	_ = sdnotify.Stopping()

	stopCtx := o.cron.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[orchestrator] all goroutines drained")
	case <-time.After(30 * time.Second):
		log.Println("[orchestrator] goroutine drain timed out after 30s")
	}
	return nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func isServerClosed(err error) bool {
	return err != nil && err.Error() == "http: Server closed"
}

func (o *Orchestrator) runScheduledScan(ctx context.Context) {
	if _, err := o.RunScan(ctx, model.ScanFull, "schedule"); err != nil {
		log.Printf("[orchestrator] scheduled scan failed: %v", err)
	}
}

func (o *Orchestrator) runRetentionSweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -o.cfg.Schedule.IncidentRetentionDays)
	n, err := o.store.PruneResolvedIncidents(cutoff)
	if err != nil {
		log.Printf("[orchestrator] retention sweep failed: %v", err)
		return
	}
	log.Printf("[orchestrator] retention sweep pruned %d resolved incidents older than %s", n, cutoff.Format(time.RFC3339))
}

func (o *Orchestrator) runReplication(ctx context.Context) {
	n, err := o.replicator.ReplicateAll(ctx)
	if err != nil {
		log.Printf("[orchestrator] replication run failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[orchestrator] replicated %d evidence bundles", n)
	}
}

func (o *Orchestrator) runLearning() {
	n, err := o.learning.Run()
	if err != nil {
		log.Printf("[orchestrator] learning loop failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[orchestrator] promoted %d patterns to L1 rules", n)
	}
}

// RunScan executes one discovery+classify+compliance cycle: open a Scan
// row, run every enabled discovery method, union/dedupe the results,
// classify and upsert each device, transition newly-scannable devices from
// discovered to monitored, run the Compliance Runner, and close the Scan
// with its outcome counters.
func (o *Orchestrator) RunScan(ctx context.Context, scanType model.ScanType, trigger string) (*model.Scan, error) {
	o.mu.Lock()
	if o.scanning {
		o.mu.Unlock()
		return nil, fmt.Errorf("a scan is already in progress")
	}
	o.scanning = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.scanning = false
		o.mu.Unlock()
	}()

	var methodNames []string
	for _, m := range o.methods {
		methodNames = append(methodNames, m.Name())
	}
	scan := &model.Scan{
		Type:          scanType,
		Methods:       methodNames,
		NetworkRanges: o.cfg.NetworkRanges,
		Trigger:       trigger,
	}
	if err := o.store.CreateScan(scan); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	results, runErr := o.runMethods(ctx)
	union := discovery.Union(results)

	newCount, changed, medicalExcluded := 0, 0, 0
	for _, d := range union {
		result := classifier.Classify(d)
		device := &model.Device{
			IP:            d.IP,
			Hostname:      d.Hostname,
			MAC:           d.MAC,
			OSName:        d.OSName,
			DeviceType:    result.DeviceType,
			ScanPolicy:    model.ScanPolicyStandard,
			Status:        model.StatusDiscovered,
			MedicalDevice: result.IsMedical,
			Origin:        d.Origin,
		}
		if result.IsMedical {
			medicalExcluded++
		}

		isNew, isChanged, err := o.store.UpsertDevice(device)
		if err != nil {
			log.Printf("[orchestrator] upsert device %s failed: %v", d.IP, err)
			continue
		}
		if isNew {
			newCount++
		}
		if isChanged {
			changed++
		}

		if len(d.Ports) > 0 {
			ports := make([]model.DevicePort, 0, len(d.Ports))
			for _, p := range d.Ports {
				ports = append(ports, model.DevicePort{DeviceID: device.ID, Port: p, Protocol: "tcp", Service: d.Services[fmt.Sprint(p)], LastSeen: time.Now().UTC()})
			}
			if err := o.store.UpsertPorts(device.ID, ports); err != nil {
				log.Printf("[orchestrator] upsert ports for %s failed: %v", device.ID, err)
			}
		}

		if device.Status == model.StatusDiscovered && device.EligibleForScanning() {
			if err := o.store.UpdateStatus(device.ID, model.StatusMonitored); err != nil {
				log.Printf("[orchestrator] promote device %s to monitored failed: %v", device.ID, err)
			}
		}
	}

	scannable, err := o.store.ListDevicesForScanning()
	if err != nil {
		log.Printf("[orchestrator] list scannable devices failed: %v", err)
	} else if _, err := compliance.Run(o.store, scannable); err != nil {
		log.Printf("[orchestrator] compliance run failed: %v", err)
	}

	lifecycle := model.ScanCompleted
	errMsg := ""
	if runErr != nil {
		lifecycle = model.ScanFailed
		errMsg = runErr.Error()
	}
	if err := o.store.CompleteScan(scan.ID, lifecycle, len(union), newCount, changed, medicalExcluded, errMsg); err != nil {
		return nil, fmt.Errorf("complete scan: %w", err)
	}

	o.mu.Lock()
	o.lastScan = scan
	o.mu.Unlock()
	return scan, nil
}

// runMethods runs every available discovery method concurrently, each as
// an independent goroutine, matching the concurrency model's "each
// discovery method run is an independent task". A method's error is
// logged and does not abort the others; the first error seen is returned
// for the Scan row's error field.
func (o *Orchestrator) runMethods(ctx context.Context) ([][]model.DiscoveredDevice, error) {
	var (
		mu      sync.Mutex
		results [][]model.DiscoveredDevice
		firstErr error
		wg      sync.WaitGroup
	)
	for _, m := range o.methods {
		if !m.IsAvailable() {
			continue
		}
		wg.Add(1)
		go func(method discovery.Method) {
			defer wg.Done()
			devices, err := method.Discover(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[orchestrator] discovery method %s failed: %v", method.Name(), err)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results = append(results, devices)
		}(m)
	}
	wg.Wait()
	return results, firstErr
}

// CheckinRegistry exposes the agent check-in registry the HTTP surface
// routes inbound agent check-ins into.
func (o *Orchestrator) CheckinRegistry() *discovery.CheckinRegistry {
	return o.checkins
}
