package supervisor

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/internal/registry"
)

// terminationGrace is how long a child gets between the termination
// signal and a forced kill.
const terminationGrace = time.Second

// bindings are the per-launch variable values; the static ones come from
// the extension and supervisor config.
type bindings struct {
	imageID  string
	imageURL string
}

// child is one spawned extension process.
type child struct {
	extensionID string
	entry       int
	longLived   bool
	cmd         *exec.Cmd
	intended    chan struct{}
}

// terminate signals the child and force-kills after the grace period.
// Windows has no graceful path, so it kills outright.
func (c *child) terminate() {
	close(c.intended)
	proc := c.cmd.Process
	if proc == nil {
		return
	}
	if runtime.GOOS == "windows" {
		proc.Kill()
		return
	}
	proc.Signal(syscall.SIGTERM)
	time.AfterFunc(terminationGrace, func() {
		proc.Kill()
	})
}

func (c *child) wasIntended() bool {
	select {
	case <-c.intended:
		return true
	default:
		return false
	}
}

// spawn launches one child for the given instructions entry and watches
// its exit. Runs on the worker goroutine; a launch failure publishes a
// single extension.error and never crashes the host.
func (s *Supervisor) spawn(ext *registry.Extension, entry int, b bindings, longLived bool) {
	id := ext.Manifest.ID
	exe := ext.Manifest.Instructions[entry].Execution
	vars := s.variables(ext, b)
	argv := make([]string, 0, len(exe.Arguments))
	for _, a := range exe.Arguments {
		argv = append(argv, resolve(a, vars))
	}

	var cmd *exec.Cmd
	switch exe.Executable {
	case manifest.VarNode:
		cmd = exec.Command(s.nodePath(), argv...)
	case manifest.VarShell:
		cmd = exec.Command(s.shellPath(), "-c", strings.Join(argv, " "))
	default:
		cmd = exec.Command(resolve(exe.Executable, vars), argv...)
	}
	cmd.Dir = ext.Directory
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		go s.relayOutput(id, "stdout", stdout)
	}
	stderr, err := cmd.StderrPipe()
	if err == nil {
		go s.relayOutput(id, "stderr", stderr)
	}

	if err := cmd.Start(); err != nil {
		log.Error().Str("extension", id).Err(err).Msg("extension process launch failed")
		s.bus.Publish(bus.ExtensionError, map[string]interface{}{
			"extensionId": id,
			"error":       "launch failed: " + err.Error(),
		})
		return
	}

	c := &child{
		extensionID: id,
		entry:       entry,
		longLived:   longLived,
		cmd:         cmd,
		intended:    make(chan struct{}),
	}
	s.children[id] = append(s.children[id], c)

	log.Info().Str("extension", id).Int("pid", cmd.Process.Pid).Bool("longLived", longLived).Msg("extension process started")
	s.bus.Publish(bus.ExtensionProcessStarted, map[string]interface{}{
		"extensionId": id,
		"pid":         cmd.Process.Pid,
	})
	if longLived {
		s.bus.Publish(bus.ExtensionProcessConnecting, map[string]interface{}{"extensionId": id})
	}

	go s.watch(c)
}

// watch blocks on the child's exit and posts the outcome back to the
// worker.
func (s *Supervisor) watch(c *child) {
	err := c.cmd.Wait()
	if c.wasIntended() {
		return
	}
	if !c.longLived {
		// Short-lived children are expected to exit; only a failure is
		// worth reporting.
		if err != nil {
			log.Warn().Str("extension", c.extensionID).Err(err).Msg("short-lived extension process failed")
			s.bus.Publish(bus.ExtensionError, map[string]interface{}{
				"extensionId": c.extensionID,
				"error":       err.Error(),
			})
		}
		s.postAsync(func() error {
			s.removeChild(c)
			return nil
		})
		return
	}
	s.postAsync(func() error {
		s.reportFailure(c, err)
		return nil
	})
}

// relayOutput forwards one child stream to the host log and the recent
// output buffer line by line.
func (s *Supervisor) relayOutput(extensionID, stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.output.write(extensionID, stream, line)
		log.Debug().Str("extension", extensionID).Str("stream", stream).Msg(line)
	}
}

// variables builds the substitution map for one launch.
func (s *Supervisor) variables(ext *registry.Extension, b bindings) map[string]string {
	id := ext.Manifest.ID
	return map[string]string{
		manifest.VarExtensionID:            id,
		manifest.VarAPIKey:                 s.apiKeys[id],
		manifest.VarWebServicesBaseURL:     s.baseURL,
		manifest.VarExtensionDirectoryPath: ext.Directory,
		manifest.VarImageID:                b.imageID,
		manifest.VarImageURL:               b.imageURL,
		manifest.VarNode:                   s.nodePath(),
		manifest.VarShell:                  s.shellPath(),
		manifest.VarVenvPython:             venvPython(ext.Directory),
	}
}

func resolve(arg string, vars map[string]string) string {
	for name, value := range vars {
		arg = strings.ReplaceAll(arg, name, value)
	}
	return arg
}

func (s *Supervisor) nodePath() string {
	if s.cfg.NodePath != "" {
		return s.cfg.NodePath
	}
	return "node"
}

func (s *Supervisor) shellPath() string {
	if s.cfg.ShellPath != "" {
		return s.cfg.ShellPath
	}
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

// venvPython points into the virtual environment each Python extension
// ships in its directory.
func venvPython(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "venv", "Scripts", "python.exe")
	}
	return filepath.Join(dir, "venv", "bin", "python")
}
