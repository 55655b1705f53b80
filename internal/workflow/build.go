// Package workflow holds the two image sagas: produce-image builds an image
// on request, publish-image builds it and pushes it to a registry once a
// credential is available.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	ProduceImageName = "produce-image"
	PublishImageName = "publish-image"

	// ReasonImageNotAvailable is the failure reason for requests this
	// service cannot serve.
	ReasonImageNotAvailable = "Image not available"

	stepBuild = "build"
)

var errNoImageReference = errors.New("builder returned no image reference")

// buildImage emits the outcome of building the requested image: ImageAvailable
// on success, ImageFailed otherwise. ok reports which one it was.
func buildImage(ctx context.Context, fc api.FlowContext, builder api.ImageBuilder, request api.Event, name, version string, meta api.Metadata) (ev api.Event, ok bool, err error) {
	public := publicMetadata(meta)

	if meta.Get(api.MetaVariant, "") != api.VariantAzure {
		ev, err = fc.Emit(ctx, api.ImageFailed{
			ImageName:    name,
			ImageVersion: version,
			Metadata:     public,
			Reason:       ReasonImageNotAvailable,
		}, request)
		return ev, false, err
	}

	ref, buildErr := builder.Build(ctx, api.BuildSpec{
		ImageName:    name,
		ImageVersion: version,
		Metadata:     meta.Clone(),
	})
	if buildErr == nil && ref.RegistryPath == "" {
		buildErr = errNoImageReference
	}
	if buildErr != nil {
		ev, err = fc.Emit(ctx, api.ImageFailed{
			ImageName:    name,
			ImageVersion: version,
			Metadata:     public,
			Reason:       buildErr.Error(),
		}, request)
		return ev, false, err
	}

	ev, err = fc.Emit(ctx, api.ImageAvailable{
		ImageName:    name,
		ImageVersion: version,
		RegistryPath: ref.RegistryPath,
		LocalImage:   ref.LocalImage,
		Metadata:     public,
	}, request)
	return ev, err == nil, err
}

// publicMetadata drops the credential value so it never travels on
// outbound events.
func publicMetadata(meta api.Metadata) api.Metadata {
	if !meta.Has(api.MetaCredentialValue) {
		return meta.Clone()
	}
	out := meta.Clone()
	delete(out, api.MetaCredentialValue)
	return out
}

func unexpectedPayload(want api.Kind, ev api.Event) error {
	return fmt.Errorf("%w: expected %s, got %T", api.ErrInvalidEvent, want, ev.Payload)
}

func reasonOf(ev api.Event) string {
	if f, ok := ev.Payload.(api.ImageFailed); ok {
		return f.Reason
	}
	return string(ev.Kind)
}
