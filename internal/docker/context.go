package docker

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

const functionAppPy = `import azure.functions as func
from http_blueprint import bp

app = func.FunctionApp()

app.register_functions(bp)
`

var dockerfileTmpl = template.Must(template.New("Dockerfile").Parse(`FROM mcr.microsoft.com/azure-functions/python:{{.AzureBaseImageVersion}}-python{{.PythonVersion}}

ENV AzureWebJobsScriptRoot=/home/site/wwwroot \
    AzureFunctionsJobHost__Logging__Console__IsEnabled=true \
    AzureWebJobsFeatureFlags=EnableWorkerIndexing \
    FUNCTIONS_WORKER_RUNTIME=python \
    PYTHONDONTWRITEBYTECODE=1 \
    PYTHONUNBUFFERED=1

RUN apt-get update \
 && apt-get install -y libssl-dev git libc-ares2 curl \
 && apt-get clean \
 && rm -rf /var/lib/apt/lists/* /tmp/* \
 && pip install --upgrade pip \
 && mkdir -p /home/site/wwwroot
{{range .Sources}}
ADD licdata/{{.}} /home/site/wwwroot/{{.}}
RUN if [ -f /home/site/wwwroot/{{.}}/requirements.txt ]; then pip install -r /home/site/wwwroot/{{.}}/requirements.txt; fi
{{- end}}

COPY function_app.py host.json Dockerfile /home/site/wwwroot/

EXPOSE 80
`))

type dockerfileData struct {
	AzureBaseImageVersion string
	PythonVersion         string
	Sources               []string
}

func renderDockerfile(d dockerfileData) ([]byte, error) {
	var buf bytes.Buffer
	if err := dockerfileTmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("docker: render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

func hostJSON() ([]byte, error) {
	return json.MarshalIndent(map[string]any{
		"version": "2.0",
		"logging": map[string]any{
			"applicationInsights": map[string]any{
				"samplingSettings": map[string]any{"isEnabled": true, "excludedTypes": "Request"},
			},
		},
		"extensionBundle": map[string]any{
			"id":      "Microsoft.Azure.Functions.ExtensionBundle",
			"version": "[4.*, 5.0.0)",
		},
	}, "", "    ")
}

// contextArchive is an in-memory tar build context.
type contextArchive struct {
	buf bytes.Buffer
	tw  *tar.Writer
	now time.Time
}

func newContextArchive() *contextArchive {
	a := &contextArchive{now: time.Now()}
	a.tw = tar.NewWriter(&a.buf)
	return a
}

func (a *contextArchive) addFile(name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: a.now,
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("docker: tar header %s: %w", name, err)
	}
	if _, err := a.tw.Write(data); err != nil {
		return fmt.Errorf("docker: tar write %s: %w", name, err)
	}
	return nil
}

// addDir copies the tree under root into the archive below prefix, leaving
// out version control metadata.
func (a *contextArchive) addDir(root, prefix string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := a.tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(a.tw, f)
		return err
	})
}

func (a *contextArchive) reader() (io.Reader, error) {
	if err := a.tw.Close(); err != nil {
		return nil, fmt.Errorf("docker: close build context: %w", err)
	}
	return &a.buf, nil
}

// pythonTag is the python version as it appears in image names: "3.12" -> "312".
func pythonTag(v string) string {
	return strings.ReplaceAll(v, ".", "")
}
