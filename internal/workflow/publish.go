package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/acmsl/licdata-artifact/internal/persistence"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	stepAwaitCredential = "await-credential"
	stepPush            = "push"
	stepExpire          = "expire"

	// DefaultRegistryURL is used when neither the events nor the
	// configuration name a registry.
	DefaultRegistryURL = "localhost:5000"
)

// PublishImage builds an image, obtains a credential and pushes the image.
//
// When the request names a credential in its metadata the credential is
// synthesized and the push happens in the same invocation; otherwise the
// saga emits CredentialRequested and waits for CredentialProvided.
type PublishImage struct {
	builder     api.ImageBuilder
	pusher      api.ImagePusher
	registryURL string
}

var _ api.Workflow = (*PublishImage)(nil)

// NewPublishImage creates the workflow. registryURL is the fallback registry;
// empty means DefaultRegistryURL.
func NewPublishImage(builder api.ImageBuilder, pusher api.ImagePusher, registryURL string) *PublishImage {
	if registryURL == "" {
		registryURL = DefaultRegistryURL
	}
	return &PublishImage{
		builder:     builder,
		pusher:      pusher,
		registryURL: registryURL,
	}
}

func (w *PublishImage) Name() string { return PublishImageName }

func (w *PublishImage) Start(ctx context.Context, fc api.FlowContext, request api.Event) error {
	req, ok := request.Payload.(api.ImagePushRequested)
	if !ok {
		return unexpectedPayload(api.KindImagePushRequested, request)
	}

	available, built, err := buildImage(ctx, fc, w.builder, request, req.ImageName, req.ImageVersion, req.Metadata)
	if err != nil {
		return err
	}
	if !built {
		fc.Fail(stepBuild, available, reasonOf(available))
		return nil
	}

	// An empty credential name counts as no credential.
	if name := req.Metadata.Get(api.MetaCredentialName, ""); name != "" {
		credential, err := fc.Emit(ctx, api.CredentialProvided{
			Name:     name,
			Value:    req.Metadata.Get(api.MetaCredentialValue, ""),
			Metadata: publicMetadata(req.Metadata),
		}, available)
		if err != nil {
			return err
		}
		return w.push(ctx, fc, credential, available)
	}

	if _, err := fc.Emit(ctx, api.CredentialRequested{
		Metadata: publicMetadata(req.Metadata),
	}, available); err != nil {
		return err
	}
	fc.Await(stepAwaitCredential, api.KindCredentialProvided, api.KindImageAvailable)
	return nil
}

func (w *PublishImage) Continue(ctx context.Context, fc api.FlowContext, trigger api.Event, recovered map[api.Kind]api.Event) error {
	available, ok := recovered[api.KindImageAvailable]
	if !ok {
		return fmt.Errorf("%w: no %s to push", api.ErrProtocolViolation, api.KindImageAvailable)
	}
	return w.push(ctx, fc, trigger, available)
}

func (w *PublishImage) push(ctx context.Context, fc api.FlowContext, credentialEv, availableEv api.Event) error {
	credential, ok := credentialEv.Payload.(api.CredentialProvided)
	if !ok {
		return unexpectedPayload(api.KindCredentialProvided, credentialEv)
	}
	available, ok := availableEv.Payload.(api.ImageAvailable)
	if !ok {
		return unexpectedPayload(api.KindImageAvailable, availableEv)
	}

	registryURL := firstNonEmpty(
		credential.Metadata.Get(api.MetaDockerRegistryURL, ""),
		available.Metadata.Get(api.MetaDockerRegistryURL, ""),
		w.registryURL,
	)
	local := available.Local()
	remote := strings.TrimSuffix(registryURL, "/") + "/" + local

	// The first error notification wins, whatever Push returns.
	var progressErr string
	receipt, pushErr := w.pusher.Push(ctx, api.PushSpec{
		LocalImage:      local,
		RemoteImage:     remote,
		RegistryURL:     registryURL,
		CredentialName:  credential.Name,
		CredentialValue: credential.Value,
	}, func(p api.PushProgress) {
		if p.Error != "" && progressErr == "" {
			progressErr = p.Error
		}
	})

	if progressErr != "" || pushErr != nil {
		msg := progressErr
		if msg == "" {
			msg = pushErr.Error()
		}
		if msg == "" {
			msg = "push failed"
		}
		ev, err := fc.Emit(ctx, api.ImagePushFailed{
			ImageName:    available.ImageName,
			ImageVersion: available.ImageVersion,
			RemoteImage:  remote,
			RegistryURL:  registryURL,
			Metadata:     available.Metadata,
			Error:        msg,
		}, credentialEv, availableEv)
		if err != nil {
			return err
		}
		fc.Fail(stepPush, ev, msg)
		return nil
	}

	if receipt.RemoteImage != "" {
		remote = receipt.RemoteImage
	}
	ev, err := fc.Emit(ctx, api.ImagePushed{
		ImageName:    available.ImageName,
		ImageVersion: available.ImageVersion,
		RemoteImage:  remote,
		RegistryURL:  registryURL,
		Metadata:     available.Metadata,
	}, credentialEv, availableEv)
	if err != nil {
		return err
	}
	fc.Succeed(stepPush, ev)
	return nil
}

// Expire fails a saga whose credential never arrived.
func (w *PublishImage) Expire(ctx context.Context, fc api.FlowContext, reason string) error {
	var parents []api.Event
	failed := api.ImagePushFailed{
		Error: "credential not provided: " + reason,
	}

	available, err := fc.Latest(ctx, api.KindImageAvailable)
	switch {
	case err == nil:
		if a, ok := available.Payload.(api.ImageAvailable); ok {
			failed.ImageName = a.ImageName
			failed.ImageVersion = a.ImageVersion
			failed.Metadata = a.Metadata
		}
	case !isNotFound(err):
		return err
	}

	requested, err := fc.Latest(ctx, api.KindCredentialRequested)
	switch {
	case err == nil:
		parents = append(parents, requested)
	case !isNotFound(err):
		return err
	}

	ev, err := fc.Emit(ctx, failed, parents...)
	if err != nil {
		return err
	}
	fc.Fail(stepExpire, ev, failed.Error)
	return nil
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, persistence.ErrEventNotFound)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
