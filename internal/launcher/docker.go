// Package launcher submits jobs to a cluster as Docker containers.
//
// Each job becomes one container running `lodge job exec`, with the job
// payload in its environment. Resource settings from the job's launcher
// config map onto container resources; scheduler fields Docker has no
// notion of (account, qos, partition, time_limit) are passed through as
// labels and environment variables.
package launcher

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/dyluth/lodge/internal/dispatch"
	dockerpkg "github.com/dyluth/lodge/internal/docker"
	"github.com/dyluth/lodge/internal/tree"
	"github.com/dyluth/lodge/pkg/runstore"
)

// KindDocker is the launcher.kind value selecting this launcher.
const KindDocker = "docker"

// Environment variables set in every job container.
const (
	EnvRedisURL  = "REDIS_URL"
	EnvNamespace = "LODGE_NAMESPACE"
)

// passthrough lists launcher fields handed to the job untouched, with the
// label that records them.
var passthrough = []struct {
	key   string
	label string
}{
	{"account", dockerpkg.LabelAccount},
	{"qos", dockerpkg.LabelQoS},
	{"partition", dockerpkg.LabelPartition},
	{"time_limit", dockerpkg.LabelTimeLimit},
}

// Options configure the Docker launcher.
type Options struct {
	Image     string   // Used when the job's launcher.image is null
	Network   string   // Docker network to attach job containers to
	Volumes   []string // Bind mounts, "host:container[:mode]"
	Ports     []string // Published ports, "[ip:][host_port:]container_port[/proto]"
	Command   []string // Defaults to ["lodge", "job", "exec"]
	RedisURL  string   // Run store address; loopback hosts are rewritten for containers
	Namespace string
	Env       map[string]string
}

// Docker launches one container per job.
type Docker struct {
	runtime containerRuntime
	opts    Options
}

// NewDocker creates a Docker launcher over an existing client.
func NewDocker(cli *client.Client, opts Options) *Docker {
	return newDocker(&dockerRuntime{cli: cli}, opts)
}

func newDocker(rt containerRuntime, opts Options) *Docker {
	if len(opts.Command) == 0 {
		opts.Command = []string{"lodge", "job", "exec"}
	}
	opts.RedisURL = containerRedisURL(opts.RedisURL, opts.Network)
	return &Docker{runtime: rt, opts: opts}
}

// Kind implements dispatch.Launcher.
func (d *Docker) Kind() string {
	return KindDocker
}

// Submit creates and starts the job container and returns its ID.
func (d *Docker) Submit(ctx context.Context, p *dispatch.Payload) (string, error) {
	image := d.opts.Image
	if v, ok := p.Resource("image").(string); ok && v != "" {
		image = v
	}
	if image == "" {
		return "", fmt.Errorf("no image configured (set launcher.image=... or 'launcher.image' in lodge.yml)")
	}

	resources, err := Resources(p.Resources)
	if err != nil {
		return "", err
	}
	encoded, err := p.EncodeEnv()
	if err != nil {
		return "", err
	}

	labels := dockerpkg.BuildLabels(p.Experiment, p.SweepID, p.RunID, p.Index, p.JobID)
	env := d.environment(p, encoded)
	for _, f := range passthrough {
		v := p.Resource(f.key)
		if v == nil {
			continue
		}
		s := tree.FormatScalar(v)
		labels[f.label] = s
		env = append(env, "LODGE_"+strings.ToUpper(f.key)+"="+s)
	}

	exposed, bindings, err := nat.ParsePortSpecs(d.opts.Ports)
	if err != nil {
		return "", fmt.Errorf("invalid launcher ports: %w", err)
	}

	cfg := &container.Config{
		Image:        image,
		Cmd:          d.opts.Command,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	host := &container.HostConfig{
		Resources:    resources,
		Binds:        d.opts.Volumes,
		PortBindings: bindings,
	}
	if d.opts.Network != "" {
		host.NetworkMode = container.NetworkMode(d.opts.Network)
	}

	name := dockerpkg.JobContainerName(p.Experiment, p.RunID)
	id, err := d.runtime.Create(ctx, cfg, host, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := d.runtime.Start(ctx, id); err != nil {
		if rmErr := d.runtime.Remove(ctx, id); rmErr != nil {
			log.Printf("[Launcher] failed to remove container %s after start failure: %v", id, rmErr)
		}
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}

	log.Printf("[Launcher] event=container_started run_id=%s container=%s image=%s", p.RunID, shortID(id), image)
	return id, nil
}

func (d *Docker) environment(p *dispatch.Payload, encoded string) []string {
	env := []string{dispatch.EnvPayload + "=" + encoded}
	if d.opts.RedisURL != "" {
		env = append(env, EnvRedisURL+"="+d.opts.RedisURL)
	}
	if d.opts.Namespace != "" {
		env = append(env, EnvNamespace+"="+d.opts.Namespace)
	}

	merged := make(map[string]string, len(d.opts.Env)+len(p.Env))
	for k, v := range d.opts.Env {
		merged[k] = v
	}
	for k, v := range p.Env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// Poll maps the container state onto a run status.
func (d *Docker) Poll(ctx context.Context, externalID string) (dispatch.State, error) {
	st, err := d.runtime.Inspect(ctx, externalID)
	if err != nil {
		if err == errContainerNotFound {
			return dispatch.State{Status: runstore.StatusFailed, Detail: "container no longer exists"}, nil
		}
		return dispatch.State{}, fmt.Errorf("failed to inspect container %s: %w", shortID(externalID), err)
	}
	return stateOf(st), nil
}

func stateOf(st ContainerState) dispatch.State {
	switch st.Status {
	case "created":
		return dispatch.State{Status: runstore.StatusPending}
	case "exited", "dead":
		code := st.ExitCode
		if code == 0 && st.Status == "exited" {
			return dispatch.State{Status: runstore.StatusSucceeded, ExitCode: &code}
		}
		detail := fmt.Sprintf("container exited with code %d", code)
		if st.OOMKilled {
			detail += " (out of memory)"
		}
		if st.Error != "" {
			detail += ": " + st.Error
		}
		return dispatch.State{Status: runstore.StatusFailed, ExitCode: &code, Detail: detail}
	default:
		return dispatch.State{Status: runstore.StatusRunning}
	}
}

// Cancel stops the container. The container is kept for log inspection.
func (d *Docker) Cancel(ctx context.Context, externalID string) error {
	if err := d.runtime.Stop(ctx, externalID); err != nil {
		if err == errContainerNotFound {
			return nil
		}
		return err
	}
	log.Printf("[Launcher] event=container_stopped container=%s", shortID(externalID))
	return nil
}

// Resources converts launcher settings into container resources.
//
//	gpus:          integer count, or "all"
//	cpus_per_task: number of CPUs, fractional allowed
//	mem:           size string such as "32g", or an integer number of megabytes
func Resources(settings *tree.Map) (container.Resources, error) {
	var res container.Resources
	if settings == nil {
		return res, nil
	}

	if v, _ := settings.Get("gpus"); v != nil {
		count, err := gpuCount(v)
		if err != nil {
			return res, err
		}
		if count != 0 {
			res.DeviceRequests = []container.DeviceRequest{{
				Count:        count,
				Capabilities: [][]string{{"gpu"}},
			}}
		}
	}

	if v, _ := settings.Get("cpus_per_task"); v != nil {
		var cpus float64
		switch t := v.(type) {
		case int64:
			cpus = float64(t)
		case float64:
			cpus = t
		default:
			return res, fmt.Errorf("launcher.cpus_per_task: expected a number, got %v", v)
		}
		if cpus <= 0 {
			return res, fmt.Errorf("launcher.cpus_per_task: must be positive, got %v", cpus)
		}
		res.NanoCPUs = int64(math.Round(cpus * 1e9))
	}

	if v, _ := settings.Get("mem"); v != nil {
		switch t := v.(type) {
		case string:
			bytes, err := units.RAMInBytes(t)
			if err != nil {
				return res, fmt.Errorf("launcher.mem: %w", err)
			}
			res.Memory = bytes
		case int64:
			res.Memory = t * units.MiB
		default:
			return res, fmt.Errorf("launcher.mem: expected a size such as 32g, got %v", v)
		}
		if res.Memory <= 0 {
			return res, fmt.Errorf("launcher.mem: must be positive")
		}
	}
	return res, nil
}

func gpuCount(v any) (int, error) {
	switch t := v.(type) {
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("launcher.gpus: must not be negative, got %d", t)
		}
		return int(t), nil
	case string:
		if t == "all" {
			return -1, nil
		}
	}
	return 0, fmt.Errorf("launcher.gpus: expected a count or \"all\", got %v", v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
