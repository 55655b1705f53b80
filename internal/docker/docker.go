// Package docker implements the image builder and pusher on top of the
// Docker Engine API.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ImageAPI is the part of the Docker client the adapters use.
// *client.Client satisfies it.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

var _ ImageAPI = (*client.Client)(nil)

// NewClient connects to the daemon at host, or to the one described by the
// DOCKER_* environment variables when host is empty.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return cli, nil
}

// decodeStream feeds every JSON message of a daemon response to fn.
func decodeStream(r io.Reader, fn func(jsonmessage.JSONMessage) error) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("docker: decode stream: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// messageError returns the error text carried by msg, if any.
func messageError(msg jsonmessage.JSONMessage) string {
	if msg.Error != nil && msg.Error.Message != "" {
		return msg.Error.Message
	}
	//nolint:staticcheck // older daemons only fill the flat field.
	return msg.ErrorMessage
}
