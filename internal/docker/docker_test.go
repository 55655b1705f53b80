package docker

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmsl/licdata-artifact/internal/gitclone"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

type fakeAPI struct {
	buildStream string
	buildErr    error
	pushStream  string
	tagErr      error

	context map[string]string
	tags    []string
	tagged  [2]string
	pushed  string
	auth    string
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.tags = options.Tags
	f.context = map[string]string{}
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.ImageBuildResponse{}, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return types.ImageBuildResponse{}, err
		}
		f.context[hdr.Name] = string(data)
	}
	if f.buildErr != nil {
		return types.ImageBuildResponse{}, f.buildErr
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeAPI) ImageTag(ctx context.Context, source, target string) error {
	f.tagged = [2]string{source, target}
	return f.tagErr
}

func (f *fakeAPI) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.pushed = ref
	f.auth = options.RegistryAuth
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}

const okBuild = `{"stream":"Step 1/6 : FROM mcr.microsoft.com/azure-functions/python:4-python3.12\n"}
{"stream":" ---> 1234\n"}
{"aux":{"ID":"sha256:abc"}}
{"stream":"Successfully tagged licdata-azure-4-python312:1.0\n"}
`

func TestLocalTag(t *testing.T) {
	assert.Equal(t, "licdata-azure-4-python312:1.0", LocalTag("licdata", "1.0", "4", "3.12"))
	assert.Equal(t, "x-azure-3-python39:2", LocalTag("x", "2", "3", "3.9"))
}

func TestBuilder_Build(t *testing.T) {
	f := &fakeAPI{buildStream: okBuild}
	b := NewBuilder(f, BuildConfig{}, nil)

	ref, err := b.Build(context.Background(), api.BuildSpec{
		ImageName:    "licdata",
		ImageVersion: "1.0",
		Metadata:     api.Metadata{api.MetaVariant: api.VariantAzure},
	})
	require.NoError(t, err)

	assert.Equal(t, "licdata-azure-4-python312:1.0", ref.LocalImage)
	assert.Equal(t, "localhost:5000/licdata-azure-4-python312:1.0", ref.RegistryPath)
	assert.Equal(t, []string{ref.LocalImage}, f.tags)

	require.Contains(t, f.context, "Dockerfile")
	require.Contains(t, f.context, "host.json")
	require.Contains(t, f.context, "function_app.py")
	assert.Contains(t, f.context["Dockerfile"], "FROM mcr.microsoft.com/azure-functions/python:4-python3.12")
	assert.NotContains(t, f.context["Dockerfile"], "ADD licdata/")

	var host map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.context["host.json"]), &host))
	assert.Equal(t, "2.0", host["version"])
}

func TestBuilder_MetadataOverridesDefaults(t *testing.T) {
	f := &fakeAPI{buildStream: okBuild}
	b := NewBuilder(f, BuildConfig{RegistryURL: "registry.example.com/"}, nil)

	ref, err := b.Build(context.Background(), api.BuildSpec{
		ImageName:    "licdata",
		ImageVersion: "2.1",
		Metadata: api.Metadata{
			api.MetaAzureBaseImageVersion: "3",
			api.MetaPythonVersion:         "3.11",
			api.MetaDockerRegistryURL:     "acr.example.com",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "acr.example.com/licdata-azure-3-python311:2.1", ref.RegistryPath)
	assert.Contains(t, f.context["Dockerfile"], "python:3-python3.11")
}

func TestBuilder_StreamErrorIsBuildError(t *testing.T) {
	f := &fakeAPI{buildStream: `{"stream":"Step 1/6\n"}
{"errorDetail":{"code":1,"message":"pip install failed"},"error":"pip install failed"}
`}
	b := NewBuilder(f, BuildConfig{}, nil)

	_, err := b.Build(context.Background(), api.BuildSpec{ImageName: "licdata", ImageVersion: "1.0"})
	var be *api.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "licdata-azure-4-python312:1.0", be.Image)
	assert.Contains(t, err.Error(), "pip install failed")
}

func TestBuilder_DaemonErrorIsBuildError(t *testing.T) {
	f := &fakeAPI{buildErr: errors.New("daemon unreachable")}
	_, err := NewBuilder(f, BuildConfig{}, nil).Build(context.Background(), api.BuildSpec{ImageName: "licdata", ImageVersion: "1.0"})
	var be *api.BuildError
	require.ErrorAs(t, err, &be)
}

func TestBuilder_MalformedStream(t *testing.T) {
	f := &fakeAPI{buildStream: `{"stream":`}
	_, err := NewBuilder(f, BuildConfig{}, nil).Build(context.Background(), api.BuildSpec{ImageName: "licdata", ImageVersion: "1.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode stream")
}

type stubCloner struct {
	names []string
	err   error
}

func (s stubCloner) CloneAll(ctx context.Context, dir string, urls ...string) ([]gitclone.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []gitclone.Result
	for _, n := range s.names {
		p := filepath.Join(dir, n)
		if err := os.MkdirAll(filepath.Join(p, ".git"), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(p, "requirements.txt"), []byte("azure-functions\n"), 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(p, ".git", "HEAD"), []byte("ref\n"), 0o644); err != nil {
			return nil, err
		}
		out = append(out, gitclone.Result{Name: n, Path: p})
	}
	return out, nil
}

func TestBuilder_ClonedSourcesGoIntoContext(t *testing.T) {
	f := &fakeAPI{buildStream: okBuild}
	b := NewBuilder(f, BuildConfig{
		Sources: gitclone.LicdataRepositories,
		Cloner:  stubCloner{names: []string{"licdata-domain", "licdata-application"}},
	}, nil)

	_, err := b.Build(context.Background(), api.BuildSpec{ImageName: "licdata", ImageVersion: "1.0"})
	require.NoError(t, err)

	assert.Equal(t, "azure-functions\n", f.context["licdata/licdata-domain/requirements.txt"])
	assert.NotContains(t, f.context, "licdata/licdata-domain/.git/HEAD")
	assert.Contains(t, f.context["Dockerfile"], "ADD licdata/licdata-domain /home/site/wwwroot/licdata-domain")
	assert.Contains(t, f.context["Dockerfile"], "ADD licdata/licdata-application /home/site/wwwroot/licdata-application")
}

func TestBuilder_CloneFailureIsBuildError(t *testing.T) {
	f := &fakeAPI{buildStream: okBuild}
	b := NewBuilder(f, BuildConfig{
		Sources: []string{"https://example.com/x"},
		Cloner:  stubCloner{err: errors.New("network down")},
	}, nil)

	_, err := b.Build(context.Background(), api.BuildSpec{ImageName: "licdata", ImageVersion: "1.0"})
	var be *api.BuildError
	require.ErrorAs(t, err, &be)
	assert.Nil(t, f.context, "daemon must not be called")
}

const okPush = `{"status":"The push refers to repository [localhost:5000/licdata-azure-4-python312]"}
{"status":"Preparing","progressDetail":{},"id":"a1"}
{"status":"Pushed","progressDetail":{},"id":"a1"}
{"status":"1.0: digest: sha256:feed size: 528"}
{"progressDetail":{},"aux":{"Tag":"1.0","Digest":"sha256:feed","Size":528}}
`

func pushSpec() api.PushSpec {
	return api.PushSpec{
		LocalImage:      "licdata-azure-4-python312:1.0",
		RemoteImage:     "localhost:5000/licdata-azure-4-python312:1.0",
		RegistryURL:     "localhost:5000",
		CredentialName:  "user",
		CredentialValue: "pw",
	}
}

func TestPusher_Push(t *testing.T) {
	f := &fakeAPI{pushStream: okPush}
	var notes []api.PushProgress

	receipt, err := NewPusher(f, nil).Push(context.Background(), pushSpec(), func(p api.PushProgress) {
		notes = append(notes, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "sha256:feed", receipt.Digest)
	assert.Equal(t, pushSpec().RemoteImage, receipt.RemoteImage)
	assert.Equal(t, [2]string{pushSpec().LocalImage, pushSpec().RemoteImage}, f.tagged)
	assert.Equal(t, pushSpec().RemoteImage, f.pushed)
	require.Len(t, notes, 5)
	assert.Equal(t, "Preparing", notes[1].Status)
	assert.Equal(t, "a1", notes[1].ID)

	raw, err := base64.URLEncoding.DecodeString(f.auth)
	require.NoError(t, err)
	var auth registry.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "user", auth.Username)
	assert.Equal(t, "pw", auth.Password)
	assert.Equal(t, "localhost:5000", auth.ServerAddress)
}

func TestPusher_ErrorMessageFailsPush(t *testing.T) {
	f := &fakeAPI{pushStream: `{"status":"Preparing","id":"a1"}
{"errorDetail":{"message":"unauthorized: authentication required"},"error":"unauthorized: authentication required"}
{"status":"Pushed","id":"a1"}
`}
	var notes []api.PushProgress

	_, err := NewPusher(f, nil).Push(context.Background(), pushSpec(), func(p api.PushProgress) {
		notes = append(notes, p)
	})
	var pe *api.PushError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "unauthorized")
	require.Len(t, notes, 2)
	assert.Equal(t, "unauthorized: authentication required", notes[1].Error)
}

func TestPusher_TagFailure(t *testing.T) {
	f := &fakeAPI{tagErr: errors.New("no such image")}
	_, err := NewPusher(f, nil).Push(context.Background(), pushSpec(), nil)
	var pe *api.PushError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, f.pushed)
}
