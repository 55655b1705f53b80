package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "licdata.db")
	t.Setenv("LICDATA_STORE_BACKEND", "sqlite")
	t.Setenv("LICDATA_STORE_SQLITE_PATH", path)
	t.Setenv("LICDATA_LOG_LEVEL", "error")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sagaID(t *testing.T, out string) string {
	t.Helper()
	first, _, _ := strings.Cut(out, "\n")
	id, ok := strings.CutPrefix(first, "saga ")
	require.True(t, ok, "unexpected output %q", out)
	return id
}

func TestRequestImage_InlineRejectsOtherVariants(t *testing.T) {
	useSQLite(t)

	out, err := run(t, "request-image", "licdata", "1.0", "--variant", "gcp", "--via", "inline")
	require.NoError(t, err)
	id := sagaID(t, out)
	assert.Contains(t, out, `"kind":"ImageFailed"`)

	out, err = run(t, "sagas", "--status", string(api.StatusFailed))
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "produce-image")

	out, err = run(t, "sagas", "--status", string(api.StatusAwaiting))
	require.NoError(t, err)
	assert.NotContains(t, out, id)

	out, err = run(t, "history", id)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first api.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, api.KindImageRequested, first.Kind)
	assert.Equal(t, id, first.ID)
}

func TestRequestPush_ViaStoreQueue(t *testing.T) {
	path := useSQLite(t)

	out, err := run(t, "request-push", "licdata", "1.0", "--via", "queue", "--registry", "acr.example.com")
	require.NoError(t, err)
	id := sagaID(t, out)

	db, err := sql.Open("sqlite", sqliteDSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := taskqueue.NewSQLiteQueue(db)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, task.Event.ID)
	req := task.Event.Payload.(api.ImagePushRequested)
	assert.Equal(t, "acr.example.com", req.Metadata.Get(api.MetaDockerRegistryURL, ""))
	assert.Equal(t, api.VariantAzure, req.Metadata.Get(api.MetaVariant, ""))
}

func TestProvideCredential_UnknownSaga(t *testing.T) {
	useSQLite(t)
	_, err := run(t, "provide-credential", "missing", "user", "--value", "pw", "--via", "queue")
	require.Error(t, err)
}

func TestUnknownVia(t *testing.T) {
	useSQLite(t)
	_, err := run(t, "request-image", "licdata", "1.0", "--via", "carrier-pigeon")
	require.ErrorIs(t, err, api.ErrConfiguration)
}

func TestInvalidConfigFailsFast(t *testing.T) {
	useSQLite(t)
	t.Setenv("LICDATA_STORE_BACKEND", "etcd")
	_, err := run(t, "sagas")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backend")
}

func TestWriteEvents_MasksCredentials(t *testing.T) {
	req := api.NewEvent(api.ImagePushRequested{ImageName: "licdata", ImageVersion: "1.0"})
	cred := api.NewEvent(api.CredentialProvided{Name: "user", Value: "s3cret"}, req)

	var out bytes.Buffer
	require.NoError(t, writeEvents(&out, []api.Event{req, cred}))
	assert.NotContains(t, out.String(), "s3cret")
	assert.Contains(t, out.String(), `"user"`)
}
