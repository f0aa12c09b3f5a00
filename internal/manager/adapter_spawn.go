package manager

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"vlmd/internal/config"
	"vlmd/internal/registry"
)

const stderrTailBytes = 4096

// spawnAdapter starts llama-server with the local GGUF weights and serves
// generations through the OpenAI-compatible API it exposes.
type spawnAdapter struct {
	log          zerolog.Logger
	publisher    EventPublisher
	probe        *resty.Client
	readyTimeout time.Duration
	stopGrace    time.Duration

	mu   sync.Mutex
	proc *procInfo
}

type procInfo struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	model   string
	// exited is closed once Wait returns; waitErr is valid afterwards.
	exited  chan struct{}
	waitErr error
}

// NewSpawnAdapter returns the adapter used by backend.mode=spawn.
func NewSpawnAdapter(log zerolog.Logger, pub EventPublisher) InferenceAdapter {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &spawnAdapter{
		log:          log,
		publisher:    pub,
		probe:        resty.New(),
		readyTimeout: 30 * time.Second,
		stopGrace:    2 * time.Second,
	}
}

func (a *spawnAdapter) Start(ctx context.Context, cfg config.Config) (InferSession, error) {
	w, err := registry.Resolve(cfg.Model.LocalPath)
	if err != nil {
		return nil, err
	}
	if !w.HasProjector() {
		a.log.Warn().Str("model", w.Model).Msg("no mmproj projector next to weights; image prompts will fail")
	}
	baseURL, err := a.ensureProcess(ctx, cfg, w)
	if err != nil {
		return nil, err
	}
	model := cfg.Backend.ServedModel
	if model == "" {
		model = filepath.Base(w.Model)
	}
	sess := newServerSession(baseURL+"/v1", "", model, a.log)
	sess.onClose = a.Stop
	return sess, nil
}

func spawnArgs(cfg config.Config, w registry.Weights, host string, port int) []string {
	b := cfg.Backend
	args := []string{"-m", w.Model}
	if w.HasProjector() {
		args = append(args, "--mmproj", w.Projector)
	}
	args = append(args, "--host", host, "--port", strconv.Itoa(port))
	if b.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(b.ContextSize))
	}
	if b.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(b.GPULayers))
	}
	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}
	return append(args, b.ExtraArgs...)
}

// ensureProcess starts llama-server and waits until /v1/models answers.
// A running process from an earlier Start is stopped first.
func (a *spawnAdapter) ensureProcess(ctx context.Context, cfg config.Config, w registry.Weights) (string, error) {
	_ = a.Stop()

	bin := strings.TrimSpace(cfg.Backend.Bin)
	if bin == "" {
		bin = "llama-server"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", ErrDependencyUnavailable(fmt.Sprintf("%s not found: %v", bin, err))
	}
	host := strings.TrimSpace(cfg.Backend.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	start, end, err := cfg.Backend.Ports()
	if err != nil {
		return "", err
	}
	var port int
	if start > 0 {
		port, err = pickPortInRange(host, start, end)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	cmd := exec.Command(path, spawnArgs(cfg, w, host, port)...)
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", bin, err)
	}
	p := &procInfo{cmd: cmd, baseURL: baseURL, pid: cmd.Process.Pid, model: w.Model, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	a.mu.Lock()
	a.proc = p
	a.mu.Unlock()
	a.log.Info().Str("model", w.Model).Int("pid", p.pid).Str("host", host).Int("port", port).Msg("spawn start")
	a.publisher.Publish(Event{Name: "spawn_start", ModelID: w.Model, Fields: map[string]any{"pid": p.pid, "host": host, "port": port}})

	deadline := time.NewTimer(a.readyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.exited:
			a.forget(p)
			if p.waitErr != nil {
				a.log.Error().Err(p.waitErr).Int("pid", p.pid).Msg("spawn exited early")
				a.publisher.Publish(Event{Name: "spawn_exit", ModelID: w.Model, Fields: map[string]any{"pid": p.pid, "error": p.waitErr.Error()}})
				return "", fmt.Errorf("%s exited early: %v; stderr tail: %s", bin, p.waitErr, tail.String())
			}
			a.publisher.Publish(Event{Name: "spawn_exit", ModelID: w.Model, Fields: map[string]any{"pid": p.pid, "before_ready": true}})
			return "", fmt.Errorf("%s exited before ready: %s", bin, baseURL)
		case <-deadline.C:
			a.log.Error().Int("pid", p.pid).Dur("timeout", a.readyTimeout).Msg("spawn not ready")
			a.publisher.Publish(Event{Name: "spawn_timeout", ModelID: w.Model, Fields: map[string]any{"pid": p.pid}})
			_ = a.Stop()
			return "", fmt.Errorf("%s not ready in time: %s", bin, baseURL)
		case <-ctx.Done():
			_ = a.Stop()
			return "", ctx.Err()
		case <-tick.C:
			if probeModels(ctx, a.probe, baseURL+"/v1", "", time.Second) == nil {
				a.log.Info().Int("pid", p.pid).Str("url", baseURL).Msg("spawn ready")
				a.publisher.Publish(Event{Name: "spawn_ready", ModelID: w.Model, Fields: map[string]any{"pid": p.pid, "url": baseURL}})
				return baseURL, nil
			}
		}
	}
}

func (a *spawnAdapter) forget(p *procInfo) {
	a.mu.Lock()
	if a.proc == p {
		a.proc = nil
	}
	a.mu.Unlock()
}

// running reports the pid and URL of the managed process, if any.
func (a *spawnAdapter) running() (pid int, baseURL string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc == nil {
		return 0, "", false
	}
	return a.proc.pid, a.proc.baseURL, true
}

// Stop terminates the managed process: SIGTERM, then SIGKILL after the grace period.
func (a *spawnAdapter) Stop() error {
	a.mu.Lock()
	p := a.proc
	a.proc = nil
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	grace := time.NewTimer(a.stopGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
	case <-grace.C:
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	a.log.Info().Int("pid", p.pid).Msg("spawn stop")
	a.publisher.Publish(Event{Name: "spawn_stop", ModelID: p.model, Fields: map[string]any{"pid": p.pid}})
	return nil
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{max: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
