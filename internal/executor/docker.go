package executor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// execAPI is the subset of the Docker client the executor needs.
type execAPI interface {
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerExecutor runs commands inside the container that hosts the desktop
// sessions, using the Docker Engine exec API. Commands run as root in that
// container, mirroring what ShellExecutor does on a bare host.
type DockerExecutor struct {
	client      execAPI
	containerID string
	shell       string
	timeout     time.Duration
	logger      *log.Logger
}

// NewDockerExecutor connects to the Docker daemon from the environment
// (DOCKER_HOST et al.) and targets containerID.
func NewDockerExecutor(containerID, shell string, timeout time.Duration, logger *log.Logger) (*DockerExecutor, error) {
	if containerID == "" {
		return nil, fmt.Errorf("docker executor requires a container ID")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerExecutor(cli, containerID, shell, timeout, logger), nil
}

func newDockerExecutor(api execAPI, containerID, shell string, timeout time.Duration, logger *log.Logger) *DockerExecutor {
	if logger == nil {
		logger = log.New(os.Stdout, "[docker-exec] ", log.LstdFlags|log.Lmsgprefix)
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DockerExecutor{
		client:      api,
		containerID: containerID,
		shell:       shell,
		timeout:     timeout,
		logger:      logger,
	}
}

// Run executes command in the target container and returns trimmed stdout.
func (de *DockerExecutor) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, de.timeout)
	defer cancel()

	de.logger.Printf("run in %s: %s", truncateID(de.containerID), command)

	execConfig := container.ExecOptions{
		Cmd:          []string{de.shell, "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := de.client.ContainerExecCreate(ctx, de.containerID, execConfig)
	if err != nil {
		return "", fmt.Errorf("create exec: %w", err)
	}

	resp, err := de.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	streamDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		streamDone <- err
	}()

	select {
	case err := <-streamDone:
		if err != nil {
			de.logger.Printf("stream error: %v", err)
		}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			de.logger.Printf("TIMEOUT: %s exceeded %v", command, de.timeout)
			return "", &CommandError{Command: command, ExitCode: -1, TimedOut: true}
		}
		return "", ctx.Err()
	}

	inspect, err := de.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return "", fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		de.logger.Printf("command failed (exit %d): %s: %s", inspect.ExitCode, command, strings.TrimSpace(stderr.String()))
		return "", &CommandError{Command: command, Stderr: stderr.String(), ExitCode: inspect.ExitCode}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// truncateID returns the first 12 characters of a container ID.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
