// Package launch starts the processes that host slave environments and
// multi-environment nodes.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/rpc"
)

// Process is a started child that serves a manager at a known address.
type Process interface {
	Addr() rpc.Addr
	// Stop asks the process to exit and forces it after grace.
	Stop(grace time.Duration) error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid once Done is closed.
	Err() error
}

// Launcher starts a process whose manager will listen at addr.
type Launcher interface {
	Launch(ctx context.Context, addr rpc.Addr) (Process, error)
}

// Func adapts a function to Launcher.
type Func func(ctx context.Context, addr rpc.Addr) (Process, error)

func (f Func) Launch(ctx context.Context, addr rpc.Addr) (Process, error) { return f(ctx, addr) }

// Expand substitutes {host} and {port} in every arg.
func Expand(args []string, addr rpc.Addr) []string {
	r := strings.NewReplacer("{host}", addr.Host, "{port}", strconv.Itoa(addr.Port))
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Command launches local processes. Args may hold {host} and {port}
// placeholders, e.g. []string{"node", "env", "--host", "{host}", "--port", "{port}"}.
type Command struct {
	Path   string // default: the running executable
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

func (c *Command) Launch(_ context.Context, addr rpc.Addr) (Process, error) {
	path := c.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	return start(exec.Command(path, Expand(c.Args, addr)...), addr, c.Env, c.Stdout, c.Stderr, c.Logger)
}

// SSH launches a command on the address's host through the ssh client.
// Stopping the local ssh process hangs up the remote session.
type SSH struct {
	Binary  string   // default "ssh"
	User    string   // optional login name
	Port    int      // ssh port, 0 for the client default
	Options []string // extra ssh flags, e.g. "-o", "BatchMode=yes"
	Command string   // remote command line with {host}/{port} placeholders
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *zap.Logger
}

func (s *SSH) Launch(_ context.Context, addr rpc.Addr) (Process, error) {
	if s.Command == "" {
		return nil, errors.New("ssh launcher has no command")
	}
	bin := s.Binary
	if bin == "" {
		bin = "ssh"
	}
	target := addr.Host
	if s.User != "" {
		target = s.User + "@" + target
	}
	args := append([]string{}, s.Options...)
	if s.Port != 0 {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}
	args = append(args, "-tt", target, Expand([]string{s.Command}, addr)[0])
	return start(exec.Command(bin, args...), addr, nil, s.Stdout, s.Stderr, s.Logger)
}

func start(cmd *exec.Cmd, addr rpc.Addr, env []string, stdout, stderr io.Writer, logger *zap.Logger) (*proc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	p := &proc{cmd: cmd, addr: addr, done: make(chan struct{}), logger: logger.Named("launch")}
	p.logger.Info("process started", zap.String("addr", addr.String()), zap.Int("pid", cmd.Process.Pid))
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type proc struct {
	cmd    *exec.Cmd
	addr   rpc.Addr
	done   chan struct{}
	err    error
	logger *zap.Logger
	once   sync.Once
}

func (p *proc) Addr() rpc.Addr        { return p.addr }
func (p *proc) Done() <-chan struct{} { return p.done }
func (p *proc) Err() error            { <-p.done; return p.err }

// Stop sends SIGTERM and, if the process is still alive after grace, SIGKILL.
func (p *proc) Stop(grace time.Duration) error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		pid := p.cmd.Process.Pid
		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil {
			// already gone
			<-p.done
			return
		}
		select {
		case <-p.done:
			p.logger.Debug("process exited", zap.Int("pid", pid))
		case <-time.After(grace):
			p.logger.Warn("process ignored SIGTERM, killing", zap.Int("pid", pid))
			err = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}
