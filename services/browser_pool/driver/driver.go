// Package driver is a thin, stateless wrapper around the local
// container-runtime CLI (docker). It owns binary discovery, PATH
// assembly, and the exit-code-based error taxonomy; it holds no pool
// state of its own.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apxerrors "agent/errors"
	"agent/logger"
	"agent/utils/helpers"
)

// Fixed internal ports the container image exposes. The driver binds
// these to a slot's external ports on run.
const (
	InternalAppPort      = 8080
	InternalDebuggerPort = 19222
	InternalVNCPort      = 15900
)

const (
	ensureAvailableAttempts = 50
	ensureAvailableInterval = 5 * time.Second
	ensureAvailableTimeout  = 5 * time.Second
)

// Driver shells out to the `docker` binary. Zero value is not usable;
// build with New.
type Driver struct {
	bin     string
	env     []string
	breaker *gobreaker.CircuitBreaker
}

// New resolves the docker binary against a platform-aware PATH and
// returns a ready Driver. dockerPathOverride corresponds to the
// DOCKER_PATH environment variable, honored ahead of PATH search.
func New(dockerPathOverride string) *Driver {
	if dockerPathOverride == "" {
		dockerPathOverride = os.Getenv("DOCKER_PATH")
	}
	bin := "docker"
	path := assemblePath(dockerPathOverride)

	env := os.Environ()
	env = setEnv(env, "PATH", path)
	for _, k := range []string{"DOCKER_HOST", "DOCKER_TLS_VERIFY", "DOCKER_CERT_PATH"} {
		if v, ok := os.LookupEnv(k); ok {
			env = setEnv(env, k, v)
		}
	}

	return &Driver{
		bin: bin,
		env: env,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "container-driver",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// assemblePath prefixes platform-default docker install locations,
// and DOCKER_PATH if set, ahead of the inherited PATH.
func assemblePath(dockerPathOverride string) string {
	var prefixes []string
	if dockerPathOverride != "" {
		prefixes = append(prefixes, dockerPathOverride)
	}

	switch runtime.GOOS {
	case "windows":
		prefixes = append(prefixes,
			`C:\Program Files\Docker\Docker\resources\bin`,
			`C:\ProgramData\DockerDesktop\version-bin`,
		)
	case "darwin":
		prefixes = append(prefixes,
			"/usr/local/bin",
			"/opt/homebrew/bin",
			"/Applications/Docker.app/Contents/Resources/bin",
		)
	default:
		prefixes = append(prefixes,
			"/usr/bin",
			"/usr/local/bin",
			"/snap/bin",
		)
	}

	sep := string(os.PathListSeparator)
	return strings.Join(prefixes, sep) + sep + os.Getenv("PATH")
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func (d *Driver) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Env = d.env
	return cmd
}

// run0 executes one CLI invocation through the circuit breaker and
// returns combined stdout.
func (d *Driver) run0(ctx context.Context, args ...string) (string, error) {
	out, err := d.breaker.Execute(func() (interface{}, error) {
		cmd := d.command(ctx, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return stdout.String(), fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	})
	if out == nil {
		return "", err
	}
	return out.(string), err
}

// EnsureAvailable blocks until the runtime answers `docker info`, or
// fails after ensureAvailableAttempts spaced ensureAvailableInterval
// apart (~8 minutes).
func (d *Driver) EnsureAvailable(ctx context.Context) error {
	for attempt := 1; attempt <= ensureAvailableAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, ensureAvailableTimeout)
		_, err := d.run0(attemptCtx, "info")
		cancel()
		if err == nil {
			return nil
		}
		logger.Debug("container runtime not ready", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return apxerrors.Wrap("runtime_unavailable", ctx.Err())
		case <-time.After(ensureAvailableInterval):
		}
	}
	return apxerrors.New("runtime_unavailable", "container runtime did not become available")
}

// PullImage pulls ref with no retries, streaming the daemon's
// layer-by-layer progress to the logger as it downloads.
func (d *Driver) PullImage(ctx context.Context, ref string) error {
	cmd := d.command(ctx, "pull", ref)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apxerrors.Wrap("image_pull_failed", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apxerrors.Wrap("image_pull_failed", err)
	}

	if err := cmd.Start(); err != nil {
		return apxerrors.Wrap("image_pull_failed", err)
	}

	go helpers.StdOutput(stdout)
	go helpers.StdError(stderr)

	if err := cmd.Wait(); err != nil {
		return apxerrors.Wrap("image_pull_failed", err)
	}
	return nil
}

// RunOptions configures a single `docker run`.
type RunOptions struct {
	Name      string
	Image     string
	Envs      map[string]string
	PortMap   map[int]int // host -> container
	ExtraArgs []string    // verbatim --k=v flags
}

// Run launches a detached, auto-remove container. The command shape
// is: run -d --pull never --rm <extraArgs> --name <name> -e K=V... -p
// HOST:CONTAINER... <image>.
func (d *Driver) Run(ctx context.Context, opts RunOptions) error {
	args := []string{"run", "-d", "--pull", "never", "--rm"}
	args = append(args, opts.ExtraArgs...)
	args = append(args, "--name", opts.Name)

	for _, k := range sortedKeys(opts.Envs) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Envs[k]))
	}
	for _, host := range sortedPortKeys(opts.PortMap) {
		args = append(args, "-p", fmt.Sprintf("%d:%d", host, opts.PortMap[host]))
	}
	args = append(args, opts.Image)

	if _, err := d.run0(ctx, args...); err != nil {
		return apxerrors.Wrap("run_failed", err)
	}
	return nil
}

// Stop stops a container by name. "no such container" is treated as
// success (AlreadyGone), matching spec's release semantics.
func (d *Driver) Stop(ctx context.Context, name string) error {
	if _, err := d.run0(ctx, "stop", name); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return apxerrors.Wrap("stop_failed", err)
	}
	return nil
}

// Restart restarts a container in place (manage-only mode release).
func (d *Driver) Restart(ctx context.Context, name string) error {
	if _, err := d.run0(ctx, "restart", name); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return apxerrors.Wrap("stop_failed", err)
	}
	return nil
}

// Kill issues a best-effort kill; errors are never surfaced by the
// caller (used pre-emptively at init to clear a stale name).
func (d *Driver) Kill(ctx context.Context, name string) {
	_, _ = d.run0(ctx, "kill", name)
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}

// ListByPrefix returns container names whose name starts with prefix.
func (d *Driver) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := d.run0(ctx, "ps", "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// Inspected is the subset of `docker inspect` the pool cares about.
type Inspected struct {
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
	Running   bool
	Ports     map[int]int // container -> host, as reported by the daemon
}

// Inspect parses `docker inspect <name>` output.
func (d *Driver) Inspect(ctx context.Context, name string) (Inspected, error) {
	out, err := d.run0(ctx, "inspect", name)
	if err != nil {
		return Inspected{}, err
	}

	var raw []struct {
		Name    string `json:"Name"`
		Created string `json:"Created"`
		Config  struct {
			Labels map[string]string `json:"Labels"`
		} `json:"Config"`
		State struct {
			Running bool `json:"Running"`
		} `json:"State"`
		NetworkSettings struct {
			Ports map[string][]struct {
				HostPort string `json:"HostPort"`
			} `json:"Ports"`
		} `json:"NetworkSettings"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return Inspected{}, fmt.Errorf("inspect %s: parse: %w", name, err)
	}
	if len(raw) == 0 {
		return Inspected{}, apxerrors.NotFoundErr(name)
	}
	entry := raw[0]

	created, _ := time.Parse(time.RFC3339Nano, entry.Created)
	ports := map[int]int{}
	for containerPort, bindings := range entry.NetworkSettings.Ports {
		internal, err := strconv.Atoi(strings.TrimSuffix(containerPort, "/tcp"))
		if err != nil || len(bindings) == 0 {
			continue
		}
		host, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			continue
		}
		ports[internal] = host
	}

	return Inspected{
		Name:      strings.TrimPrefix(entry.Name, "/"),
		Labels:    entry.Config.Labels,
		CreatedAt: created,
		Running:   entry.State.Running,
		Ports:     ports,
	}, nil
}

// ParsePortsLine understands the `docker ps` ports column for
// manage-only discovery: "0.0.0.0:32000->5900/tcp, 0.0.0.0:32001->3000/tcp".
//
// These internal ports (5900, 3000, 4444) do not match the ports Run
// binds (8080, 19222, 15900): this is a verbatim-preserved discrepancy
// from the source this spec was distilled from, flagged rather than
// silently reconciled (see DESIGN.md, "port parsing discrepancy").
// Run's constants are authoritative; this function exists only for
// manage-only discovery of pre-existing containers that were started
// some other way.
func ParsePortsLine(line string) map[string]int {
	result := map[string]int{}
	internalToKind := map[int]string{5900: "vnc", 3000: "app", 4444: "debugger"}

	for _, entry := range strings.Split(line, ",") {
		entry = strings.TrimSpace(entry)
		arrow := strings.Index(entry, "->")
		if arrow < 0 {
			continue
		}
		hostPart := entry[:arrow]
		rest := entry[arrow+2:]

		colon := strings.LastIndex(hostPart, ":")
		if colon < 0 {
			continue
		}
		hostPort, err := strconv.Atoi(hostPart[colon+1:])
		if err != nil {
			continue
		}

		slash := strings.Index(rest, "/")
		if slash < 0 {
			slash = len(rest)
		}
		internalPort, err := strconv.Atoi(rest[:slash])
		if err != nil {
			continue
		}

		if kind, ok := internalToKind[internalPort]; ok {
			result[kind] = hostPort
		}
	}
	return result
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPortKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// DefaultPortMap builds the host->container bindings Run needs from a
// slot's external ports.
func DefaultPortMap(appPort, debuggerPort, vncPort int) map[int]int {
	return map[int]int{
		appPort:      InternalAppPort,
		debuggerPort: InternalDebuggerPort,
		vncPort:      InternalVNCPort,
	}
}
