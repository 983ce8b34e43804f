package shim

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flame-sh/flame/pkg/apis"
)

const (
	envExecutorID  = "FLAME_EXECUTOR_ID"
	envInstanceSvc = "FLAME_INSTANCE_SOCKET"
	defaultWorkDir = "/"

	socketPollInterval = 20 * time.Millisecond
	socketWaitTimeout  = 30 * time.Second
)

// hostAdapter spawns the application's command as a child process and
// talks to it over a Unix socket, mirroring host_shim.rs: the instance
// binary creates the socket itself and the adapter polls for it to
// appear before dialing.
type hostAdapter struct {
	cmd       *exec.Cmd
	client    *instanceClient
	conn      *grpc.ClientConn
	sockPath  string
	workDir   string
}

func newHostAdapter(execID string, app *apis.Application) (Adapter, error) {
	workDir := filepath.Join(os.TempDir(), "flame", "shim", execID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create shim working directory: %w", err)
	}
	sockPath := filepath.Join(workDir, "instance.sock")

	if app.Command == "" {
		return nil, fmt.Errorf("application %q has no command to run a host shim", app.Name)
	}

	cmd := exec.Command(app.Command, app.Arguments...)
	cmd.Dir = app.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = defaultWorkDir
	}
	cmd.Env = append(os.Environ(), envFor(app)...)
	cmd.Env = append(cmd.Env, envExecutorID+"="+execID, envInstanceSvc+"="+sockPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("start instance command %q: %w", app.Command, err)
	}

	if err := waitForSocket(sockPath, socketWaitTimeout); err != nil {
		_ = killInstance(cmd)
		os.RemoveAll(workDir)
		return nil, err
	}

	conn, err := dialUnix(sockPath)
	if err != nil {
		_ = killInstance(cmd)
		os.RemoveAll(workDir)
		return nil, err
	}

	return &hostAdapter{
		cmd:      cmd,
		client:   &instanceClient{conn: conn},
		conn:     conn,
		sockPath: sockPath,
		workDir:  workDir,
	}, nil
}

func envFor(app *apis.Application) []string {
	env := make([]string, 0, len(app.Environments))
	for k, v := range app.Environments {
		env = append(env, k+"="+v)
	}
	return env
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for instance socket %q", path)
		}
		time.Sleep(socketPollInterval)
	}
}

func dialUnix(path string) (*grpc.ClientConn, error) {
	return grpc.NewClient("unix:"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}),
	)
}

// killInstance terminates the whole process group, since the instance may
// have spawned its own children.
func killInstance(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (h *hostAdapter) OnSessionEnter(ctx context.Context, sctx *SessionContext) error {
	return h.client.onSessionEnter(ctx, &sessionEnterRequest{
		SessionID:   sctx.SessionID,
		Application: sctx.Application,
		Slots:       sctx.Slots,
		CommonData:  sctx.CommonData,
	})
}

func (h *hostAdapter) OnTaskInvoke(ctx context.Context, tctx *TaskContext) (*TaskResult, error) {
	resp, err := h.client.onTaskInvoke(ctx, &taskInvokeRequest{
		SessionID: tctx.SessionID,
		TaskID:    tctx.TaskID,
		Input:     tctx.Input,
	})
	if err != nil {
		return nil, err
	}
	return &TaskResult{Output: resp.Output, Failed: resp.ReturnCode != 0, Message: resp.Message}, nil
}

func (h *hostAdapter) OnSessionLeave(ctx context.Context) error {
	return h.client.onSessionLeave(ctx)
}

func (h *hostAdapter) Close() error {
	var firstErr error
	if h.conn != nil {
		firstErr = h.conn.Close()
	}
	_ = killInstance(h.cmd)
	if h.cmd.Process != nil {
		_, _ = h.cmd.Process.Wait()
	}
	os.RemoveAll(h.workDir)
	return firstErr
}
