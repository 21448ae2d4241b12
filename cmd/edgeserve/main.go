// Command edgeserve is the CLI entry point: it parses `run [-f] | kill |
// restart | --status --config <path>`, manages the PID file, and hands
// bound listening sockets to the master/worker lifecycle in
// internal/supervisor. Daemonization (the `-f` "stay in foreground"
// flag being absent) re-execs itself with stdio redirected, detaching
// into a session of its own.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/engine"
	"github.com/yourusername/edgeserve/internal/logutil"
	"github.com/yourusername/edgeserve/internal/mimetype"
	"github.com/yourusername/edgeserve/internal/supervisor"
)

func main() {
	if supervisor.IsWorker() {
		os.Exit(runWorker())
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var configPath string
	foreground := false
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			foreground = true
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(configPath, foreground)
	case "kill":
		err = cmdKill(configPath)
	case "restart":
		if err = cmdKill(configPath); err == nil {
			err = cmdRun(configPath, foreground)
		}
	case "--status":
		err = cmdStatus(configPath)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: edgeserve run [-f] | kill | restart | --status --config <path>")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// cmdRun writes the PID file under an exclusive flock and starts the
// master, daemonizing via re-exec when -f is not given.
func cmdRun(configPath string, foreground bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	fl := flock.New(cfg.PidFile + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("pid lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("edgeserve already running (pid file locked: %s)", cfg.PidFile)
	}
	defer fl.Unlock()

	if !foreground {
		return daemonize(configPath)
	}

	if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(cfg.PidFile)

	log, err := logutil.New(pickLogPath(cfg, true), pickLogPath(cfg, false))
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}

	m, err := supervisor.NewMaster(cfg, configPath, log)
	if err != nil {
		return err
	}
	return m.Run()
}

func pickLogPath(cfg config.Config, access bool) string {
	if len(cfg.Servers) == 0 {
		return cfg.LogFile
	}
	if access && cfg.Servers[0].AccessLogPath != "" {
		return cfg.Servers[0].AccessLogPath
	}
	if !access && cfg.Servers[0].ErrorLogPath != "" {
		return cfg.Servers[0].ErrorLogPath
	}
	return cfg.LogFile
}

// daemonize re-execs this binary with "-f" and detached stdio, the way
// a background `run` is expected to behave. The foreground child then
// performs the actual PID-file write and Master.Run.
func daemonize(configPath string) error {
	args := append([]string{"run", "-f"}, os.Args[2:]...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdin = nil
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	return cmd.Process.Release()
}

func cmdKill(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(cfg.PidFile)
	if err != nil {
		return fmt.Errorf("not running (no pid file): %w", err)
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("corrupt pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func cmdStatus(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(cfg.PidFile)
	if err != nil {
		fmt.Println("edgeserve: not running")
		return nil
	}
	fmt.Printf("edgeserve: running, pid %s\n", string(raw))
	return nil
}

// runWorker is the entry point a re-exec'd worker process takes: it
// reconstructs its inherited listeners and shared counter from
// ExtraFiles, builds its own engine.Worker and readiness loop, and
// runs it.
func runWorker() int {
	cfg, err := loadConfig(supervisor.InheritedConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve worker: config:", err)
		return 1
	}

	ports := supervisor.InheritedListenerPorts()
	listeners := make([]engine.Listener, 0, len(ports))
	for i, port := range ports {
		fd := supervisor.InheritedListenerFD(i)
		srv := serverForPort(cfg, port)
		listeners = append(listeners, engine.Listener{FD: fd, Server: srv})
	}

	counter, err := supervisor.AttachCounterFromFD(supervisor.InheritedCounterFD(len(ports)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve worker: counter:", err)
		return 1
	}

	mime, err := mimetype.Load(cfg.MimeTypesPath, cfg.DefaultType)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve worker: mime:", err)
		return 1
	}

	log, err := logutil.New(pickLogPath(cfg, true), pickLogPath(cfg, false))
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve worker: logs:", err)
		return 1
	}

	w, err := engine.NewWorker(cfg, listeners, mime, log, counter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve worker: init:", err)
		return 1
	}

	installShutdownHandler(w)

	if err := w.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "edgeserve worker: run:", err)
		return 1
	}
	return 0
}

// installShutdownHandler arms the worker's own SIGTERM handler: the
// master fans out SIGTERM to every worker it spawned, and each worker
// turns that into a cooperative drain-then-exit via RequestShutdown.
func installShutdownHandler(w *engine.Worker) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigc
		w.RequestShutdown()
	}()
}

func serverForPort(cfg config.Config, port int) *config.Server {
	for i := range cfg.Servers {
		if cfg.Servers[i].Listen == port {
			return &cfg.Servers[i]
		}
	}
	return &cfg.Servers[0]
}
