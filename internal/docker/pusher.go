package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Pusher tags local images with their remote name and pushes them.
type Pusher struct {
	api    ImageAPI
	logger *slog.Logger
}

var _ api.ImagePusher = (*Pusher)(nil)

func NewPusher(cli ImageAPI, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{api: cli, logger: logger}
}

// pushAux is the trailing aux message of a successful push.
type pushAux struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int64  `json:"Size"`
}

// Push reports every daemon message through progress. The first error
// message ends the push with a *api.PushError.
func (p *Pusher) Push(ctx context.Context, spec api.PushSpec, progress func(api.PushProgress)) (api.PushReceipt, error) {
	if progress == nil {
		progress = func(api.PushProgress) {}
	}
	receipt := api.PushReceipt{RemoteImage: spec.RemoteImage}

	if err := p.api.ImageTag(ctx, spec.LocalImage, spec.RemoteImage); err != nil {
		return receipt, &api.PushError{Image: spec.RemoteImage, Err: fmt.Errorf("tag %s: %w", spec.LocalImage, err)}
	}

	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      spec.CredentialName,
		Password:      spec.CredentialValue,
		ServerAddress: spec.RegistryURL,
	})
	if err != nil {
		return receipt, &api.PushError{Image: spec.RemoteImage, Err: fmt.Errorf("encode credential: %w", err)}
	}

	p.logger.Info("image_push_started", "local", spec.LocalImage, "remote", spec.RemoteImage, "registry", spec.RegistryURL)
	body, err := p.api.ImagePush(ctx, spec.RemoteImage, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return receipt, &api.PushError{Image: spec.RemoteImage, Err: err}
	}
	defer body.Close()

	err = decodeStream(body, func(msg jsonmessage.JSONMessage) error {
		note := api.PushProgress{Status: msg.Status, ID: msg.ID, Error: messageError(msg)}
		progress(note)
		if note.Error != "" {
			return errors.New(note.Error)
		}
		if msg.Aux != nil {
			var aux pushAux
			if json.Unmarshal(*msg.Aux, &aux) == nil && aux.Digest != "" {
				receipt.Digest = aux.Digest
			}
		}
		p.logger.Debug("image_push_progress", "remote", spec.RemoteImage, "id", msg.ID, "status", msg.Status)
		return nil
	})
	if err != nil {
		p.logger.Error("image_push_failed", "remote", spec.RemoteImage, "error", err)
		return receipt, &api.PushError{Image: spec.RemoteImage, Err: err}
	}

	p.logger.Info("image_pushed", "remote", spec.RemoteImage, "digest", receipt.Digest)
	return receipt, nil
}
