// Appliance daemon: the per-site process that runs discovery, compliance
// checks, tiered auto-healing, and tamper-evident evidence replication.
//
// Usage:
//
//	appliance-daemon --config /etc/msp/config.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianfield/sentinel/internal/ca"
	"github.com/meridianfield/sentinel/internal/discovery"
	"github.com/meridianfield/sentinel/internal/evidence"
	"github.com/meridianfield/sentinel/internal/healing"
	"github.com/meridianfield/sentinel/internal/l2bridge"
	"github.com/meridianfield/sentinel/internal/orchestrator"
	"github.com/meridianfield/sentinel/internal/runbook"
	"github.com/meridianfield/sentinel/internal/safety"
	"github.com/meridianfield/sentinel/internal/sshexec"
	"github.com/meridianfield/sentinel/internal/store"
	"github.com/meridianfield/sentinel/internal/winrm"
)

// winrmScriptExecutor adapts winrm.Executor to discovery.ScriptExecutor so
// the AD enumerator and directory method can run PowerShell queries over
// the same WinRM transport the healing runbooks use.
type winrmScriptExecutor struct{ exec *winrm.Executor }

func (w winrmScriptExecutor) RunScript(ctx context.Context, hostname, script, username, password string, timeout int) (string, error) {
	result := w.exec.Execute(&winrm.Target{Hostname: hostname, Port: 5985, Username: username, Password: password},
		script, "discovery", "discover", timeout, 0, 0, nil)
	if !result.Success {
		return "", fmt.Errorf("script execution on %s failed: %s", hostname, result.Error)
	}
	out, err := json.Marshal(result.Output)
	if err != nil {
		return "", fmt.Errorf("marshal script output: %w", err)
	}
	return string(out), nil
}

var flagConfig = flag.String("config", "/etc/msp/config.yaml", "Config file path")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := orchestrator.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	creds, err := orchestrator.LoadCredentials(cfg.Paths.Credentials)
	if err != nil {
		log.Printf("load credentials: %v (continuing with empty credentials)", err)
	}

	st, err := store.Open(cfg.Paths.DB)
	if err != nil {
		log.Fatalf("open inventory store: %v", err)
	}
	defer st.Close()

	deps := buildDeps(cfg, creds, st)
	orch := orchestrator.New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		log.Fatalf("orchestrator exited: %v", err)
	}
}

func buildDeps(cfg orchestrator.Config, creds orchestrator.Credentials, st *store.Store) orchestrator.Deps {
	var methods []discovery.Method

	if cfg.Directory.Enabled {
		scriptExec := winrmScriptExecutor{exec: winrm.NewExecutor(0)}
		methods = append(methods, discovery.NewDirectoryMethod(discovery.DirectoryConfig{
			Server:   cfg.Directory.DomainController,
			BaseDN:   cfg.Directory.BaseDN,
			BindDN:   cfg.Directory.Username,
			Password: creds.DirectoryPassword,
			SSL:      true,
		}, scriptExec))
		methods = append(methods, discovery.NewADEnumerator(
			cfg.Directory.DomainController, cfg.Directory.Username, creds.DirectoryPassword,
			cfg.Directory.BaseDN, scriptExec))
	}
	methods = append(methods, discovery.NewNeighborMethod())
	if cfg.Portscan.Enabled {
		timeoutSecs := cfg.Portscan.TimeoutMS / 1000
		if timeoutSecs < 1 {
			timeoutSecs = 1
		}
		methods = append(methods, discovery.NewPortscanMethod(discovery.PortscanConfig{
			Ranges:             cfg.NetworkRanges,
			HostTimeoutSeconds: timeoutSecs,
			MaxConcurrent:      cfg.Portscan.Concurrency,
		}))
	}
	checkins := discovery.NewCheckinRegistry(time.Duration(cfg.Discovery.StaleAgentMins) * time.Minute)
	methods = append(methods, discovery.NewAgentCheckinMethod(checkins))

	library, err := runbook.NewLibrary(cfg.Paths.RunbooksDir)
	if err != nil {
		log.Printf("load runbook library: %v (healing will have no runbooks)", err)
		library, _ = runbook.NewLibrary(cfg.Paths.RunbooksDir)
	}
	sshExec := sshexec.NewExecutor(cfg.Paths.SSHKnownHosts)
	winExec := winrm.NewExecutor(0)

	whitelist := safety.NewParamWhitelist()
	for action, keys := range healing.BuiltinActionParams() {
		params := make(map[string][]string, len(keys))
		for _, k := range keys {
			params[k] = nil
		}
		whitelist.Register(action, params)
	}
	// L2-recommended actions aren't drawn from the builtin rule catalog, so
	// they're registered separately; params nil means any value is accepted.
	whitelist.Register("restart_service", map[string][]string{"service_name": nil})
	whitelist.Register("run_posix_runbook", map[string][]string{"runbook_id": nil})
	whitelist.Register("run_windows_runbook", map[string][]string{"runbook_id": nil})
	whitelist.Register("escalate", map[string][]string{})

	envelope := safety.NewEnvelope(
		safety.NewValidator(cfg.Paths.RunbooksDir, cfg.Paths.RulesDir),
		whitelist,
		safety.NewRateLimiter(time.Duration(cfg.Safety.CooldownSeconds)*time.Second, time.Hour, cfg.Safety.ClientHourly, cfg.Safety.GlobalHourly),
		safety.NewCircuitBreaker(cfg.Safety.CircuitFailureThreshold, 2, time.Duration(cfg.Safety.CircuitTimeoutSeconds)*time.Second),
		safety.NewApprovalPolicy(st, 24*time.Hour),
		safety.NewExceptionRegistry(st),
	)

	runbooks := runbook.NewEngine(library, sshExec, winExec, envelope)

	actionExecutor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		runbookID := action
		if id, ok := params["runbook_id"].(string); ok && id != "" {
			runbookID = id
		}
		target := runbook.Target{
			Platform: runbook.PlatformPOSIX,
			SSH:      &sshexec.Target{Hostname: hostID, ConnectTimeout: 10, CommandTimeout: 60},
			Site:     siteID,
		}
		result, err := runbooks.Run(context.Background(), runbookID, target)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"resolution_status": string(result.ResolutionStatus),
			"mttr_seconds":       result.MTTRSeconds,
		}, nil
	}

	var l1 *healing.Engine
	if cfg.Healing.Level1Enabled {
		l1 = healing.NewEngine(cfg.Paths.RulesDir, actionExecutor)
	}

	var l2 healing.Provider
	if cfg.Healing.Level2Enabled {
		client := l2bridge.NewClient("/run/msp/l2bridge.sock", 30*time.Second)
		if err := client.Connect(); err != nil {
			log.Printf("l2bridge connect: %v (L2 healing disabled)", err)
		} else {
			l2 = client
		}
	}

	var escalator healing.Escalator = healing.NoopEscalator{}

	healer := healing.NewHealingEngine(st, l1, l2, runbooks, escalator, envelope)

	var learning *healing.LearningLoop
	if cfg.Healing.LearningEnabled && l1 != nil {
		learning = healing.NewLearningLoop(st, cfg.Paths.RulesDir, l1)
	}

	signingKey, _, err := evidence.LoadOrCreateSigningKey(cfg.Paths.SigningKey)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	assembler := evidence.NewAssembler(cfg.SiteID, signingKey)

	var replicator *evidence.Replicator
	if cfg.WORM.Enabled {
		replicatorCfg := evidence.ReplicatorConfig{
			Mode:          evidence.ReplicationMode(cfg.WORM.Mode),
			SiteID:        cfg.SiteID,
			RetentionDays: cfg.WORM.RetentionDays,
		}
		if cfg.WORM.Mode == string(evidence.ModeDirect) {
			replicatorCfg.ObjectStoreEndpoint = cfg.WORM.ObjectStoreEndpoint
			replicatorCfg.Bucket = cfg.WORM.Bucket
		} else {
			replicatorCfg.ProxyEndpoint = cfg.Central.URL
			replicatorCfg.APIKey = creds.CentralAPIKey
		}
		replicator = evidence.NewReplicator(st, replicatorCfg)
	}

	var endpointCA *ca.EndpointCA
	if cfg.API.MTLSEnabled {
		endpointCA = ca.New(cfg.Paths.CADir)
		if err := endpointCA.EnsureCA(); err != nil {
			log.Printf("ensure CA: %v (mTLS check-in listener disabled)", err)
			endpointCA = nil
		}
	}

	return orchestrator.Deps{
		Store:      st,
		Methods:    methods,
		Checkins:   checkins,
		Healer:     healer,
		Learning:   learning,
		Replicator: replicator,
		Assembler:  assembler,
		EndpointCA: endpointCA,
	}
}
