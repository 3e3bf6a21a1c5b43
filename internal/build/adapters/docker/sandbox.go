package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
)

// Ensure SandboxResolver satisfies the build sandbox interface.
var _ build.SandboxResolver = (*SandboxResolver)(nil)

// ImagePrefix names images built from Dockerfiles.
const ImagePrefix = "kiln-"

// ImageAPI is the part of the docker engine API used for sandbox images.
type ImageAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

var _ ImageAPI = (*client.Client)(nil)

// NewClient connects to the docker engine configured in the environment.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// SandboxResolver makes sandbox images available locally. Named images are
// pulled when missing; Dockerfiles are built once per content digest.
type SandboxResolver struct {
	Client ImageAPI
	Binary string
	Runner command.Runner
	Logger *slog.Logger
}

func (r *SandboxResolver) logger() *slog.Logger {
	return logging.Ensure(r.Logger)
}

// Resolve returns the image to run builds for sandbox in.
func (r *SandboxResolver) Resolve(ctx context.Context, sandbox manifest.Sandbox) (string, error) {
	if sandbox == nil {
		sandbox = manifest.DefaultSandbox()
	}
	switch s := sandbox.(type) {
	case manifest.ImageSandbox:
		return s.Name, r.ensurePulled(ctx, s.Name)
	case manifest.DockerfileSandbox:
		return r.ensureBuilt(ctx, s.Path)
	default:
		return "", fmt.Errorf("unsupported sandbox kind %q", sandbox.Kind())
	}
}

func (r *SandboxResolver) exists(ctx context.Context, ref string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("docker client is not configured")
	}
	if _, err := r.Client.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, nil
}

func (r *SandboxResolver) ensurePulled(ctx context.Context, ref string) error {
	ok, err := r.exists(ctx, ref)
	if err != nil || ok {
		return err
	}

	r.logger().Info("pulling sandbox image", "image", ref)
	progress, err := r.Client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer progress.Close()
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// DockerfileImage is the image name a Dockerfile is built as.
func DockerfileImage(path string) (string, error) {
	digest, err := hash.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("hash dockerfile: %w", err)
	}
	return ImagePrefix + strings.ToLower(digest.String()), nil
}

func (r *SandboxResolver) ensureBuilt(ctx context.Context, dockerfile string) (string, error) {
	name, err := DockerfileImage(dockerfile)
	if err != nil {
		return "", err
	}
	ok, err := r.exists(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return name, nil
	}

	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	r.logger().Info("building sandbox image", "image", name, "dockerfile", dockerfile)

	runner := r.Runner
	if runner.Stdout == nil {
		runner.Stdout = os.Stdout
	}
	if runner.Stderr == nil {
		runner.Stderr = os.Stderr
	}
	cmd := exec.Command(binary, "build", "-t", name, "-f", dockerfile, filepath.Dir(dockerfile))
	code, err := runner.Run(cmd, "[docker build] ")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("docker build of %s: %w", dockerfile, &build.ExitError{Code: code})
	}
	return name, nil
}
