package driver

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/keycodec"
)

// DockerConfig configures the container backend.
type DockerConfig struct {
	Image string
	// Env is merged on top of the mandatory key/worker-id env vars every
	// created container receives.
	Env map[string]string
	// ContainerNamePrefix names containers deterministically from the key,
	// e.g. "osrdyne-core-<encoded-key>".
	ContainerNamePrefix string
}

// DockerDriver creates one container per key via the Docker Engine API.
type DockerDriver struct {
	cli    *dockerclient.Client
	cfg    DockerConfig
	logger *logrus.Entry
}

// NewDockerDriver constructs a DockerDriver from a pre-built Docker client,
// so callers can configure TLS/host/version negotiation themselves.
func NewDockerDriver(cli *dockerclient.Client, cfg DockerConfig, logger *logrus.Entry) *DockerDriver {
	if cfg.ContainerNamePrefix == "" {
		cfg.ContainerNamePrefix = "osrdyne-core"
	}
	return &DockerDriver{cli: cli, cfg: cfg, logger: logger}
}

func (d *DockerDriver) containerName(key string) string {
	return fmt.Sprintf("%s-%s", d.cfg.ContainerNamePrefix, keycodec.Encode([]byte(key)))
}

func (d *DockerDriver) labelFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
}

func (d *DockerDriver) GetOrCreateCorePool(ctx context.Context, key string) (uuid.UUID, error) {
	existing, err := d.findByKey(ctx, key)
	if err != nil {
		return uuid.Nil, BackendError("list", key, err)
	}
	if existing != nil {
		return existing.WorkerID, nil
	}

	if err := d.pullImage(ctx); err != nil {
		return uuid.Nil, BackendError("pull", key, err)
	}

	workerID := uuid.New()
	env := []string{
		"OSRDYNE_KEY=" + key,
		"OSRDYNE_WORKER_ID=" + workerID.String(),
	}
	for k, v := range d.cfg.Env {
		env = append(env, k+"="+v)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelWorkerID:  workerID.String(),
			LabelKey:       key,
		},
	}, &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}, nil, nil, d.containerName(key))
	if err != nil {
		return uuid.Nil, BackendError("create", key, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return uuid.Nil, BackendError("start", key, err)
	}

	d.logger.WithField("key", key).WithField("container_id", resp.ID).Info("created core worker container")
	return workerID, nil
}

func (d *DockerDriver) DestroyCorePool(ctx context.Context, key string) error {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: d.labelFilter()})
	if err != nil {
		return BackendError("list", key, err)
	}
	for _, c := range containers {
		if c.Labels[LabelKey] != key {
			continue
		}
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if dockerclient.IsErrNotFound(err) {
				continue
			}
			return BackendError("remove", key, err)
		}
	}
	return nil
}

func (d *DockerDriver) ListCorePools(ctx context.Context) ([]WorkerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: d.labelFilter()})
	if err != nil {
		return nil, BackendError("list", "", err)
	}
	out := make([]WorkerInfo, 0, len(containers))
	for _, c := range containers {
		workerID, err := uuid.Parse(c.Labels[LabelWorkerID])
		if err != nil {
			continue
		}
		out = append(out, WorkerInfo{ExternalID: c.ID, WorkerID: workerID, Key: c.Labels[LabelKey]})
	}
	return out, nil
}

func (d *DockerDriver) findByKey(ctx context.Context, key string) (*WorkerInfo, error) {
	all, err := d.ListCorePools(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range all {
		if w.Key == key {
			return &w, nil
		}
	}
	return nil, nil
}

func (d *DockerDriver) pullImage(ctx context.Context) error {
	if !strings.Contains(d.cfg.Image, "/") && !strings.Contains(d.cfg.Image, ":") {
		// Local/dev image tags are allowed to be missing; skip the pull so
		// integration tests against a locally built image still work.
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

var _ Driver = (*DockerDriver)(nil)
