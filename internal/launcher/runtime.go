package launcher

import (
	"context"
	"errors"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// errContainerNotFound is returned by a runtime when a container is gone.
var errContainerNotFound = errors.New("container not found")

// ContainerState is the subset of docker's container state the launcher uses.
type ContainerState struct {
	Status    string // "created", "running", "exited", ...
	ExitCode  int
	Error     string
	OOMKilled bool
}

// containerRuntime is the part of the Docker API the launcher needs.
type containerRuntime interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// dockerRuntime adapts *client.Client to containerRuntime.
type dockerRuntime struct {
	cli *client.Client
}

func (r *dockerRuntime) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *dockerRuntime) Start(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *dockerRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, errContainerNotFound
		}
		return ContainerState{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{}, errors.New("container inspect returned no state")
	}
	return ContainerState{
		Status:    info.State.Status,
		ExitCode:  info.State.ExitCode,
		Error:     info.State.Error,
		OOMKilled: info.State.OOMKilled,
	}, nil
}

func (r *dockerRuntime) Stop(ctx context.Context, id string) error {
	timeout := 30
	err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if client.IsErrNotFound(err) {
		return errContainerNotFound
	}
	return err
}

func (r *dockerRuntime) Remove(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
