package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mediaqueue/internal/entity"
)

// Result is the worker-action contract: the dispatcher only needs the
// outcome, whether a failure is worth retrying, and a human-readable
// message.
type Result struct {
	OK        bool
	Transient bool
	Message   string
}

// Action executes the unit of work for one job kind.
type Action interface {
	Run(ctx context.Context, job *entity.Job) Result
}

// Registry maps job kinds to their actions.
type Registry map[entity.JobKind]Action

// Exit code by which the external tool reports a retryable failure
// (sysexits EX_TEMPFAIL). Any other nonzero exit is permanent.
const transientExitCode = 75

// CommandAction invokes the external acquisition tool as
// argv... <resource_id>, with dir as working directory. The tool writes
// <resource_id>.<ext>.part while downloading and renames on completion;
// the progress observer picks the partial file up from there.
type CommandAction struct {
	argv []string
	dir  string
	log  *zap.SugaredLogger
}

func NewCommandAction(argv []string, dir string, log *zap.SugaredLogger) *CommandAction {
	return &CommandAction{argv: argv, dir: dir, log: log}
}

func (a *CommandAction) Run(ctx context.Context, job *entity.Job) Result {
	args := append(append([]string{}, a.argv[1:]...), job.ResourceID)
	cmd := exec.CommandContext(ctx, a.argv[0], args...)
	cmd.Dir = a.dir
	// Own process group, so cancellation reaches the tool's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	out, err := cmd.CombinedOutput()
	if err == nil {
		return Result{OK: true}
	}

	msg := tail(string(out), 500)
	if msg == "" {
		msg = err.Error()
	}
	a.log.Debugw("acquisition tool failed",
		"resource_id", job.ResourceID, "err", err, "output", msg)

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Tool never ran (missing binary, fork failure): likely a host
		// problem, let another instance retry.
		return Result{Transient: true, Message: err.Error()}
	}
	if exitErr.ExitCode() == transientExitCode {
		return Result{Transient: true, Message: msg}
	}
	return Result{Message: msg}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// ServiceAction hands transcribe/translate work to the external processing
// service and maps its reply onto the action contract.
type ServiceAction struct {
	url    string
	client *http.Client
	log    *zap.SugaredLogger
}

func NewServiceAction(url string, timeout time.Duration, log *zap.SugaredLogger) *ServiceAction {
	return &ServiceAction{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type serviceRequest struct {
	ResourceID string `json:"resource_id"`
	OwnerID    string `json:"owner_id"`
	Kind       string `json:"kind"`
}

type serviceResponse struct {
	OK        bool   `json:"ok"`
	Transient bool   `json:"transient"`
	Message   string `json:"message"`
}

func (a *ServiceAction) Run(ctx context.Context, job *entity.Job) Result {
	body, err := json.Marshal(serviceRequest{
		ResourceID: job.ResourceID,
		OwnerID:    job.OwnerID,
		Kind:       string(job.Kind),
	})
	if err != nil {
		return Result{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return Result{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Network-level failure: retryable by definition.
		a.log.Debugw("processing service unreachable", "resource_id", job.ResourceID, "err", err)
		return Result{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr serviceResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			return Result{Message: "processing service: undecodable response: " + err.Error()}
		}
		return Result{OK: sr.OK, Transient: sr.Transient, Message: sr.Message}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		a.log.Debugw("processing service error", "resource_id", job.ResourceID, "status", resp.Status)
		return Result{Transient: true, Message: "processing service: " + resp.Status}
	default:
		a.log.Debugw("processing service error", "resource_id", job.ResourceID, "status", resp.Status)
		return Result{Message: "processing service: " + resp.Status}
	}
}
