// Package docker runs package builds in Docker containers.
package docker

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/logging"
)

// Ensure Executor satisfies the build executor interface.
var _ build.Executor = (*Executor)(nil)

// DefaultBinary is the docker CLI used when none is configured.
const DefaultBinary = "docker"

// BuildScript prepares an unprivileged build user, installs the mounted
// dependency archives and runs makepkg against /src.
const BuildScript = `set -e
pacman -Sy --needed --noconfirm sudo
useradd builduser -m
passwd -d builduser
printf 'builduser ALL=(ALL) ALL\nDefaults    env_keep += "PKGDEST"\nDefaults    env_keep += "BUILDDIR"\n' | tee -a /etc/sudoers
if compgen -G '/deps/*.pkg.tar.*' > /dev/null; then
  pacman -U --needed --noconfirm /deps/*.pkg.tar.*
fi
cd /src
rm -rf /out/makepkg/pkg
rm -rf /out/makepkg/*.pkg.tar.*
rm -rf /out/*.pkg.tar.*
mkdir -p /out/makepkg
chown builduser:builduser /out/ -R
sudo -u builduser bash -c 'makepkg --noconfirm --noprogressbar -s -C -f'
`

// Executor runs makepkg inside a throwaway container.
type Executor struct {
	Binary string
	Script string
	Runner command.Runner
	Logger *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e != nil {
		return logging.Ensure(e.Logger)
	}
	return slog.Default()
}

// Run builds req.Package. The container's output is streamed with a
// [name@version | makepkg] tag.
func (e *Executor) Run(req build.Request) error {
	args, err := e.Args(req)
	if err != nil {
		return &build.BuildError{Package: req.Package.Name, Step: "prepare container", Err: err}
	}

	binary := e.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	e.logger().Debug("starting build container", "package", req.Package.ID(), "image", req.Image, "deps", len(req.DepArchives))

	runner := e.Runner
	if runner.Stdout == nil {
		runner.Stdout = os.Stdout
	}
	if runner.Stderr == nil {
		runner.Stderr = os.Stderr
	}
	code, err := runner.Run(exec.Command(binary, args...), Tag(req))
	if err != nil {
		return &build.BuildError{Package: req.Package.Name, Step: "run container", Err: err}
	}
	if code != 0 {
		return &build.ExitError{Code: code}
	}
	return nil
}

// Tag is the prefix put in front of every output line of a build.
func Tag(req build.Request) string {
	return fmt.Sprintf("[%s@%s | makepkg] ", req.Package.Name, req.Package.Version)
}

// Args returns the docker CLI arguments for req. Host paths are made
// absolute and symlink-free because docker mounts them verbatim.
func (e *Executor) Args(req build.Request) ([]string, error) {
	if req.Image == "" {
		return nil, fmt.Errorf("no sandbox image")
	}
	src, err := canonical(req.SourceRoot)
	if err != nil {
		return nil, err
	}
	out, err := canonical(req.OutputDir)
	if err != nil {
		return nil, err
	}

	args := []string{
		"run", "--rm",
		"-v", src + ":/src",
		"-v", out + ":/out",
	}
	mounted := make(map[string]bool)
	for _, dep := range req.DepArchives {
		name := filepath.Base(dep)
		if mounted[name] {
			continue
		}
		mounted[name] = true
		path, err := canonical(dep)
		if err != nil {
			return nil, err
		}
		args = append(args, "-v", path+":/deps/"+name)
	}

	script := e.Script
	if script == "" {
		script = BuildScript
	}
	args = append(args,
		"-e", "PKGDEST=/out",
		"-e", "BUILDDIR=/out/makepkg",
		req.Image,
		"bash", "-c", script,
	)
	return args, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return resolved, nil
}
