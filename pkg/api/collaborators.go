package api

import (
	"context"
	"fmt"
)

// BuildSpec describes an image to build.
type BuildSpec struct {
	ImageName    string
	ImageVersion string
	Metadata     Metadata
}

// ImageReference is the registry path of a built image together with the tag
// it carries locally.
type ImageReference struct {
	// RegistryPath is the fully qualified reference, e.g.
	// "localhost:5000/licdata:1.0".
	RegistryPath string

	// LocalImage is the tag in the local image store. Empty means
	// "<ImageName>:<ImageVersion>".
	LocalImage string
}

func (r ImageReference) String() string { return r.RegistryPath }

// ImageBuilder produces container images. Implementations live outside the
// engine (see internal/docker).
type ImageBuilder interface {
	Build(ctx context.Context, spec BuildSpec) (ImageReference, error)
}

// ImageBuilderFunc adapts a function to ImageBuilder.
type ImageBuilderFunc func(ctx context.Context, spec BuildSpec) (ImageReference, error)

func (f ImageBuilderFunc) Build(ctx context.Context, spec BuildSpec) (ImageReference, error) {
	return f(ctx, spec)
}

// PushSpec describes a push of a local image to a registry.
type PushSpec struct {
	LocalImage  string
	RemoteImage string
	RegistryURL string

	// Credential is the name/value pair used to authenticate. Name is the
	// user name; Value is the password or token.
	CredentialName  string
	CredentialValue string
}

// PushProgress is one notification from a push in progress. A non-empty
// Error means the push failed, whatever the final return value says.
type PushProgress struct {
	Status string
	ID     string
	Error  string
}

// PushReceipt describes a completed push.
type PushReceipt struct {
	RemoteImage string
	Digest      string
}

// ImagePusher pushes images to a registry, reporting progress as it goes.
type ImagePusher interface {
	Push(ctx context.Context, spec PushSpec, progress func(PushProgress)) (PushReceipt, error)
}

// ImagePusherFunc adapts a function to ImagePusher.
type ImagePusherFunc func(ctx context.Context, spec PushSpec, progress func(PushProgress)) (PushReceipt, error)

func (f ImagePusherFunc) Push(ctx context.Context, spec PushSpec, progress func(PushProgress)) (PushReceipt, error) {
	return f(ctx, spec, progress)
}

// BuildError reports a failed image build.
type BuildError struct {
	Image string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Image, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// PushError reports a failed image push.
type PushError struct {
	Image string
	Err   error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Image, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }
