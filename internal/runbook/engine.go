package runbook

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
	"github.com/meridianfield/sentinel/internal/redact"
	"github.com/meridianfield/sentinel/internal/safety"
	"github.com/meridianfield/sentinel/internal/sshexec"
	"github.com/meridianfield/sentinel/internal/winrm"
)

// Platform selects which transport a runbook executes over.
type Platform string

const (
	PlatformPOSIX   Platform = "posix"
	PlatformWindows Platform = "windows"
)

// Target carries the connection details for whichever transport the
// runbook's platform resolves to; exactly one of SSH/Windows is set. Site
// and InMaintenanceWindow feed the safety envelope's rate-limit, circuit
// breaker, and approval checks.
type Target struct {
	Platform            Platform
	SSH                 *sshexec.Target
	Windows             *winrm.Target
	Site                string
	InMaintenanceWindow bool
}

// Engine drives phase-by-phase runbook execution over the SSH and WinRM
// transports, generalized from internal/sshexec/executor.go and
// internal/winrm/executor.go with phase sequencing, rollback, output
// redaction, and the safety envelope added.
type Engine struct {
	library  *Library
	sshExec  *sshexec.Executor
	winExec  *winrm.Executor
	scrubber *redact.Scrubber
	envelope *safety.Envelope
}

// NewEngine creates a runbook Engine backed by the given library and
// transport executors. envelope may be nil to run with no safety guards,
// e.g. in tests.
func NewEngine(library *Library, sshExec *sshexec.Executor, winExec *winrm.Executor, envelope *safety.Envelope) *Engine {
	return &Engine{library: library, sshExec: sshExec, winExec: winExec, scrubber: redact.New(), envelope: envelope}
}

// Library exposes the loaded runbook definitions, e.g. for L2 catalog prompts.
func (e *Engine) Library() *Library { return e.library }

// Run executes runbookID against target: detect, then (unless detect
// reports compliant) remediate and verify. A failed remediate or verify
// phase triggers rollback. The resulting RunResult is suitable for
// evidence assembly.
func (e *Engine) Run(ctx context.Context, runbookID string, target Target) (*model.RunResult, error) {
	def, ok := e.library.Get(runbookID)
	if !ok {
		return nil, fmt.Errorf("unknown runbook: %s", runbookID)
	}

	start := time.Now().UTC()
	result := &model.RunResult{RunbookID: runbookID, Target: targetLabel(target)}

	if e.envelope.Suppressed(target.Site, runbookID) {
		log.Printf("[runbook] %s: suppressed by active exception for site %s, skipping", runbookID, target.Site)
		result.ResolutionStatus = model.ResolutionBlocked
		finalize(result, start, def)
		return result, nil
	}

	detectStep, detectOK, compliant, err := e.runPhase(ctx, def, target, model.PhaseDetect)
	if detectStep != nil {
		result.Steps = append(result.Steps, *detectStep)
	}
	result.StepsTotal++
	if err != nil && detectStep == nil {
		return nil, err
	}
	if detectOK {
		result.StepsExecuted++
	}

	if compliant {
		result.ResolutionStatus = model.ResolutionSuccess
		finalize(result, start, def)
		return result, nil
	}
	if !detectOK {
		e.rollback(ctx, def, target, result)
		result.ResolutionStatus = model.ResolutionFailed
		finalize(result, start, def)
		return result, nil
	}

	for _, phase := range []model.RunbookPhase{model.PhaseRemediate, model.PhaseVerify} {
		if len(def.Phases[phase]) == 0 {
			continue
		}
		step, ok, _, _ := e.runPhase(ctx, def, target, phase)
		if step != nil {
			result.Steps = append(result.Steps, *step)
		}
		result.StepsTotal++
		if !ok {
			e.rollback(ctx, def, target, result)
			result.ResolutionStatus = model.ResolutionPartial
			finalize(result, start, def)
			return result, nil
		}
		result.StepsExecuted++
	}

	result.ResolutionStatus = model.ResolutionSuccess
	finalize(result, start, def)
	return result, nil
}

func finalize(result *model.RunResult, start time.Time, def *model.RunbookDefinition) {
	result.MTTRSeconds = time.Since(start).Seconds()
	budget := float64(def.TimeoutSeconds) * float64(len(def.Phases))
	if budget <= 0 {
		budget = 300
	}
	result.SLAMet = result.ResolutionStatus == model.ResolutionSuccess && result.MTTRSeconds <= budget
}

// runPhase runs every OS-scoped script for the given phase against target,
// returning the produced ActionStep, whether the phase succeeded, and (for
// detect) whether the script reported the device already compliant.
func (e *Engine) runPhase(ctx context.Context, def *model.RunbookDefinition, target Target, phase model.RunbookPhase) (*model.ActionStep, bool, bool, error) {
	scripts := def.Phases[phase]
	script := selectScript(scripts, target.Platform)
	if script == "" {
		return nil, true, false, nil
	}

	raw := e.execute(ctx, def, target, script, string(phase))

	step := &model.ActionStep{
		Step:          string(phase),
		Action:        def.ID,
		ScriptHash:    raw.outputHash,
		ExitCode:      raw.exitCode,
		StdoutExcerpt: excerpt(e.scrubber.ScrubString(raw.stdout)),
		StderrExcerpt: excerpt(e.scrubber.ScrubString(raw.stderr)),
		ErrorMessage:  raw.errMsg,
		Timestamp:     time.Now().UTC(),
	}
	if raw.success {
		step.Result = "ok"
	} else {
		step.Result = "failed"
	}

	compliant := phase == model.PhaseDetect && raw.success && isCompliant(raw.stdout)
	return step, raw.success, compliant, nil
}

// rollback runs the runbook's rollback script, if any, best-effort; its
// outcome does not change the RunResult's resolution status (a rollback
// failure never downgrades an already-failed/partial run further).
func (e *Engine) rollback(ctx context.Context, def *model.RunbookDefinition, target Target, result *model.RunResult) {
	if def.RollbackScript == "" {
		log.Printf("[runbook] %s: no rollback script defined, leaving target as-is", def.ID)
		return
	}
	raw := e.execute(ctx, def, target, def.RollbackScript, "rollback")
	step := model.ActionStep{
		Step:          "rollback",
		Action:        def.ID,
		ScriptHash:    raw.outputHash,
		ExitCode:      raw.exitCode,
		StdoutExcerpt: excerpt(e.scrubber.ScrubString(raw.stdout)),
		StderrExcerpt: excerpt(e.scrubber.ScrubString(raw.stderr)),
		ErrorMessage:  raw.errMsg,
		Timestamp:     time.Now().UTC(),
	}
	if raw.success {
		step.Result = "ok"
	} else {
		step.Result = "failed"
	}
	result.Steps = append(result.Steps, step)
}

type rawResult struct {
	success    bool
	exitCode   int
	stdout     string
	stderr     string
	errMsg     string
	outputHash string
}

func (e *Engine) execute(ctx context.Context, def *model.RunbookDefinition, target Target, script, phase string) rawResult {
	host := targetLabel(target)
	if err := e.envelope.CheckExecution(target.Site, host, def.ID, "appliance-daemon", target.InMaintenanceWindow); err != nil {
		log.Printf("[runbook] %s: blocked by safety envelope: %v", def.ID, err)
		return rawResult{errMsg: err.Error()}
	}

	raw := e.executeTransport(ctx, def, target, script, phase)
	e.envelope.RecordOutcome(target.Site, host, def.ID, "appliance-daemon", raw.success)
	return raw
}

func (e *Engine) executeTransport(ctx context.Context, def *model.RunbookDefinition, target Target, script, phase string) rawResult {
	switch target.Platform {
	case PlatformWindows:
		if e.winExec == nil || target.Windows == nil {
			return rawResult{errMsg: "no windows transport configured"}
		}
		r := e.winExec.Execute(target.Windows, script, def.ID, phase, def.TimeoutSeconds, def.Retries, def.RetryDelaySeconds, def.Controls)
		stdout, _ := r.Output["std_out"].(string)
		stderr, _ := r.Output["std_err"].(string)
		exitCode := -1
		if sc, ok := r.Output["status_code"].(int); ok {
			exitCode = sc
		}
		return rawResult{success: r.Success, exitCode: exitCode, stdout: stdout, stderr: stderr, errMsg: r.Error, outputHash: r.OutputHash}
	default:
		if e.sshExec == nil || target.SSH == nil {
			return rawResult{errMsg: "no posix transport configured"}
		}
		useSudo := def.RequiresPrivilege
		r := e.sshExec.Execute(ctx, target.SSH, script, def.ID, phase, def.TimeoutSeconds, def.Retries, def.RetryDelaySeconds, useSudo, def.Controls)
		stdout, _ := r.Output["stdout"].(string)
		stderr, _ := r.Output["stderr"].(string)
		return rawResult{success: r.Success, exitCode: r.ExitCode, stdout: stdout, stderr: stderr, errMsg: r.Error, outputHash: r.OutputHash}
	}
}

func selectScript(scripts []model.RunbookScript, platform Platform) string {
	wantOS := "linux"
	if platform == PlatformWindows {
		wantOS = "windows"
	}
	var fallback string
	for _, s := range scripts {
		if s.OS == "" && fallback == "" {
			fallback = s.Script
		}
		if s.OS == wantOS {
			return s.Script
		}
	}
	return fallback
}

func isCompliant(stdout string) bool {
	lower := strings.ToLower(strings.TrimSpace(stdout))
	return strings.Contains(lower, "compliant") && !strings.Contains(lower, "non-compliant") && !strings.Contains(lower, "noncompliant")
}

func excerpt(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}

func targetLabel(t Target) string {
	if t.SSH != nil {
		return t.SSH.Hostname
	}
	if t.Windows != nil {
		return t.Windows.Hostname
	}
	return ""
}
