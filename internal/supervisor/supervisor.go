// Package supervisor implements listener setup and the master/worker
// lifecycle. The master process binds one listening socket per
// configured server block, forks a fixed pool of worker processes by
// re-executing itself with the listening file descriptors inherited
// via os/exec's ExtraFiles, and fans out graceful-shutdown signals to
// every worker it started.
//
// The parent re-execs itself, passing *net.TCPListener.File()
// descriptors through ExtraFiles; each child reconstructs its
// listeners from the inherited fds. The worker pool is fixed and
// started once at boot rather than rolled one listener at a time.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/logutil"
)

// workerFDEnv carries the listening sockets' fd-to-listen-port mapping
// across the re-exec boundary, since ExtraFiles only preserves order,
// not which config.Server each fd belongs to.
const workerFDEnv = "EDGESERVE_WORKER_LISTEN_PORTS"

// configPathEnv carries the config file path across the re-exec
// boundary so a worker loads the same server blocks the master parsed,
// rather than falling back to config.Default().
const configPathEnv = "EDGESERVE_CONFIG"

// reexecMarkerEnv distinguishes a re-exec'd worker from the initial
// master invocation.
const reexecMarkerEnv = "EDGESERVE_WORKER"

// Master binds every configured listener, forks cfg.WorkerProcesses
// workers, and blocks until SIGTERM/SIGINT arrives, then fans SIGTERM
// out to every worker and waits up to 30s for them to exit. A worker
// that exits on its own does not end Run and is not restarted.
type Master struct {
	cfg        config.Config
	configPath string
	log        *logutil.Logger
	workers    []*exec.Cmd
	counter    *SharedCounterSegment
}

// NewMaster prepares a master for cfg, loaded from configPath (empty
// means config.Default() was used). The shared accepted-connection
// counter segment is created here (before any fork) so every worker
// maps the same physical page.
func NewMaster(cfg config.Config, configPath string, log *logutil.Logger) (*Master, error) {
	counter, err := NewSharedCounterSegment()
	if err != nil {
		return nil, fmt.Errorf("supervisor: shared counter: %w", err)
	}
	return &Master{cfg: cfg, configPath: configPath, log: log, counter: counter}, nil
}

// boundListener pairs a bound *net.TCPListener with the server block it
// serves, before the fd is extracted for handoff.
type boundListener struct {
	ln   *net.TCPListener
	port int
}

// bindAll opens one listening socket per server block with
// SO_REUSEADDR (and SO_REUSEPORT when available) set.
func (m *Master) bindAll() ([]boundListener, error) {
	var out []boundListener
	for _, srv := range m.cfg.Servers {
		lc := net.ListenConfig{
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
					setReusePortBestEffort(int(fd))
				})
			},
		}
		ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", srv.Listen))
		if err != nil {
			return nil, fmt.Errorf("supervisor: listen :%d: %w", srv.Listen, err)
		}
		out = append(out, boundListener{ln: ln.(*net.TCPListener), port: srv.Listen})
	}
	return out, nil
}

// Run binds every listener, forks the worker pool, and waits for
// SIGTERM/SIGINT to fan out a graceful shutdown.
func (m *Master) Run() error {
	listeners, err := m.bindAll()
	if err != nil {
		return err
	}

	files := make([]*os.File, 0, len(listeners))
	ports := make([]string, 0, len(listeners))
	for _, bl := range listeners {
		f, err := bl.ln.File()
		if err != nil {
			return fmt.Errorf("supervisor: extract fd for :%d: %w", bl.port, err)
		}
		files = append(files, f)
		ports = append(ports, strconv.Itoa(bl.port))
	}
	files = append(files, m.counter.File()) // see InheritedCounterFD

	workerCount := m.cfg.WorkerProcesses
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		cmd, err := m.spawnWorker(files, ports)
		if err != nil {
			m.terminateAll()
			return fmt.Errorf("supervisor: spawn worker %d: %w", i, err)
		}
		m.workers = append(m.workers, cmd)
	}

	for _, bl := range listeners {
		bl.ln.Close() // the master's own copy; workers hold dup'd fds via ExtraFiles
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	m.terminateAll()
	m.wait()
	return nil
}

// spawnWorker re-execs os.Args[0] with every listening socket bindAll
// opened attached via ExtraFiles.
func (m *Master) spawnWorker(files []*os.File, ports []string) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.ExtraFiles = files
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		reexecMarkerEnv+"=1",
		workerFDEnv+"="+strings.Join(ports, ","),
		configPathEnv+"="+m.configPath,
	)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (m *Master) terminateAll() {
	for _, w := range m.workers {
		if w.Process != nil {
			w.Process.Signal(syscall.SIGTERM)
		}
	}
}

func (m *Master) wait() {
	done := make(chan struct{})
	go func() {
		for _, w := range m.workers {
			w.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
}

// IsWorker reports whether this process was launched by a Master via
// spawnWorker (as opposed to being the initial master invocation).
func IsWorker() bool {
	return os.Getenv(reexecMarkerEnv) == "1"
}

// InheritedListenerPorts returns the listen ports corresponding
// positionally to the inherited ExtraFiles descriptors (fd 3, 4, 5...).
func InheritedListenerPorts() []int {
	raw := os.Getenv(workerFDEnv)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err == nil {
			ports = append(ports, n)
		}
	}
	return ports
}

// InheritedConfigPath returns the config file path the master was
// started with, propagated across the re-exec boundary. Empty means
// the master itself ran with no --config flag (config.Default()).
func InheritedConfigPath() string {
	return os.Getenv(configPathEnv)
}

// firstInheritedFD is the lowest fd number a worker's ExtraFiles start
// at: stdin/stdout/stderr occupy 0-2, so inherited listeners begin at 3.
const firstInheritedFD = 3

// InheritedListenerFD returns the raw fd for the i'th inherited
// listener (0-indexed), matching the order Master.spawnWorker passed
// them in ExtraFiles.
func InheritedListenerFD(i int) int {
	return firstInheritedFD + i
}

func setReusePortBestEffort(fd int) {
	const soReusePort = 0xf // SO_REUSEPORT; not exported by all syscall builds
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, soReusePort, 1)
}
