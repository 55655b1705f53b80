package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/acmsl/licdata-artifact/internal/gitclone"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	DefaultRegistryURL           = "localhost:5000"
	DefaultAzureBaseImageVersion = "4"
	DefaultPythonVersion         = "3.12"
)

// SourceCloner fetches source repositories into a directory.
type SourceCloner interface {
	CloneAll(ctx context.Context, dir string, urls ...string) ([]gitclone.Result, error)
}

// BuildConfig holds the builder defaults. Request metadata overrides the
// registry, base image and python versions per build.
type BuildConfig struct {
	RegistryURL           string
	AzureBaseImageVersion string
	PythonVersion         string

	// Sources are cloned into the build context when Cloner is set.
	Sources []string
	Cloner  SourceCloner
}

// Builder builds Azure Functions python images.
type Builder struct {
	api    ImageAPI
	cfg    BuildConfig
	logger *slog.Logger
}

var _ api.ImageBuilder = (*Builder)(nil)

// NewBuilder returns a Builder using cli. Empty config fields take the
// package defaults.
func NewBuilder(cli ImageAPI, cfg BuildConfig, logger *slog.Logger) *Builder {
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = DefaultRegistryURL
	}
	if cfg.AzureBaseImageVersion == "" {
		cfg.AzureBaseImageVersion = DefaultAzureBaseImageVersion
	}
	if cfg.PythonVersion == "" {
		cfg.PythonVersion = DefaultPythonVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{api: cli, cfg: cfg, logger: logger}
}

// LocalTag is the tag a built image carries in the daemon:
// <name>-azure-<base>-python<pyver>:<version>.
func LocalTag(name, version, baseVersion, pythonVersion string) string {
	return fmt.Sprintf("%s-azure-%s-python%s:%s", name, baseVersion, pythonTag(pythonVersion), version)
}

func (b *Builder) Build(ctx context.Context, spec api.BuildSpec) (api.ImageReference, error) {
	base := spec.Metadata.Get(api.MetaAzureBaseImageVersion, b.cfg.AzureBaseImageVersion)
	py := spec.Metadata.Get(api.MetaPythonVersion, b.cfg.PythonVersion)
	registryURL := spec.Metadata.Get(api.MetaDockerRegistryURL, b.cfg.RegistryURL)
	tag := LocalTag(spec.ImageName, spec.ImageVersion, base, py)

	buildContext, err := b.buildContext(ctx, base, py)
	if err != nil {
		return api.ImageReference{}, &api.BuildError{Image: tag, Err: err}
	}

	b.logger.Info("image_build_started", "tag", tag, "base", base, "python", py)
	resp, err := b.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile: "Dockerfile",
		Tags:       []string{tag},
		Remove:     true,
	})
	if err != nil {
		return api.ImageReference{}, &api.BuildError{Image: tag, Err: err}
	}
	defer resp.Body.Close()

	err = decodeStream(resp.Body, func(msg jsonmessage.JSONMessage) error {
		if text := messageError(msg); text != "" {
			return errors.New(text)
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			b.logger.Debug("image_build_output", "tag", tag, "line", s)
		}
		return nil
	})
	if err != nil {
		b.logger.Error("image_build_failed", "tag", tag, "error", err)
		return api.ImageReference{}, &api.BuildError{Image: tag, Err: err}
	}

	ref := api.ImageReference{
		RegistryPath: strings.TrimSuffix(registryURL, "/") + "/" + tag,
		LocalImage:   tag,
	}
	b.logger.Info("image_built", "tag", tag, "reference", ref.RegistryPath)
	return ref, nil
}

func (b *Builder) buildContext(ctx context.Context, base, py string) (io.Reader, error) {
	data := dockerfileData{AzureBaseImageVersion: base, PythonVersion: py}
	archive := newContextArchive()

	if b.cfg.Cloner != nil && len(b.cfg.Sources) > 0 {
		dir, err := os.MkdirTemp("", "licdata-sources-")
		if err != nil {
			return nil, fmt.Errorf("docker: temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		repos, err := b.cfg.Cloner.CloneAll(ctx, dir, b.cfg.Sources...)
		if err != nil {
			return nil, err
		}
		for _, r := range repos {
			if err := archive.addDir(r.Path, "licdata/"+r.Name); err != nil {
				return nil, fmt.Errorf("docker: add %s to context: %w", r.Name, err)
			}
			data.Sources = append(data.Sources, r.Name)
		}
	}

	dockerfile, err := renderDockerfile(data)
	if err != nil {
		return nil, err
	}
	host, err := hostJSON()
	if err != nil {
		return nil, fmt.Errorf("docker: host.json: %w", err)
	}
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"Dockerfile", dockerfile},
		{"host.json", host},
		{"function_app.py", []byte(functionAppPy)},
	} {
		if err := archive.addFile(f.name, f.data); err != nil {
			return nil, err
		}
	}
	return archive.reader()
}
