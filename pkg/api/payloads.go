package api

import (
	"log/slog"
	"maps"
)

// Well-known metadata keys.
const (
	MetaVariant               = "variant"
	MetaCredentialName        = "credential_name"
	MetaCredentialValue       = "credential_value"
	MetaDockerRegistryURL     = "docker_registry_url"
	MetaAzureBaseImageVersion = "azure_base_image_version"
	MetaPythonVersion         = "python_version"
)

// VariantAzure is the only deployment target images can be produced for.
const VariantAzure = "azure"

// Metadata is free-form, string-valued request metadata carried along a saga.
type Metadata map[string]string

// Get returns the value for key, or def when the key is absent.
func (m Metadata) Get(key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Clone returns a copy that shares no state with m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// LogValue hides credential values from structured logs.
func (m Metadata) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		if k == MetaCredentialValue {
			v = redacted
		}
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

const redacted = "[redacted]"

// Payload is the kind-specific part of an Event. The set of implementations
// is closed: only the types in this file satisfy it.
type Payload interface {
	Kind() Kind
	meta() Metadata
	clonePayload() Payload
}

// ImageRequested asks for an image to be built.
type ImageRequested struct {
	ImageName    string   `json:"image_name" validate:"required"`
	ImageVersion string   `json:"image_version" validate:"required"`
	Metadata     Metadata `json:"metadata,omitempty"`
}

func (ImageRequested) Kind() Kind       { return KindImageRequested }
func (p ImageRequested) meta() Metadata { return p.Metadata }
func (p ImageRequested) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// ImagePushRequested asks for an image to be built and pushed to a registry.
type ImagePushRequested struct {
	ImageName    string   `json:"image_name" validate:"required"`
	ImageVersion string   `json:"image_version" validate:"required"`
	Metadata     Metadata `json:"metadata,omitempty"`
}

func (ImagePushRequested) Kind() Kind       { return KindImagePushRequested }
func (p ImagePushRequested) meta() Metadata { return p.Metadata }
func (p ImagePushRequested) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// ImageAvailable announces a built image.
type ImageAvailable struct {
	ImageName    string `json:"image_name" validate:"required"`
	ImageVersion string `json:"image_version" validate:"required"`
	RegistryPath string `json:"registry_path" validate:"required"`
	// LocalImage is the tag the image carries in the local daemon, when it
	// differs from ImageName:ImageVersion.
	LocalImage string   `json:"local_image,omitempty"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

func (ImageAvailable) Kind() Kind       { return KindImageAvailable }
func (p ImageAvailable) meta() Metadata { return p.Metadata }
func (p ImageAvailable) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// Local returns the local image tag.
func (p ImageAvailable) Local() string {
	if p.LocalImage != "" {
		return p.LocalImage
	}
	return p.ImageName + ":" + p.ImageVersion
}

// ImageFailed is terminal: the image could not be produced.
type ImageFailed struct {
	ImageName    string   `json:"image_name"`
	ImageVersion string   `json:"image_version"`
	Metadata     Metadata `json:"metadata,omitempty"`
	Reason       string   `json:"reason" validate:"required"`
}

func (ImageFailed) Kind() Kind       { return KindImageFailed }
func (p ImageFailed) meta() Metadata { return p.Metadata }
func (p ImageFailed) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// CredentialRequested asks an external provider for a credential. Name is
// empty when the requester does not know which credential it needs.
type CredentialRequested struct {
	Name     string   `json:"name,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func (CredentialRequested) Kind() Kind       { return KindCredentialRequested }
func (p CredentialRequested) meta() Metadata { return p.Metadata }
func (p CredentialRequested) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// CredentialProvided carries a credential in response to a request.
type CredentialProvided struct {
	Name     string   `json:"name" validate:"required"`
	Value    string   `json:"value"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func (CredentialProvided) Kind() Kind       { return KindCredentialProvided }
func (p CredentialProvided) meta() Metadata { return p.Metadata }
func (p CredentialProvided) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// String never prints the credential value.
func (p CredentialProvided) String() string {
	return "CredentialProvided{" + p.Name + "/" + redacted + "}"
}

// LogValue never logs the credential value.
func (p CredentialProvided) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", p.Name),
		slog.String("value", redacted),
		slog.Any("metadata", p.Metadata),
	)
}

// ImagePushed is terminal: the image reached the registry.
type ImagePushed struct {
	ImageName    string   `json:"image_name"`
	ImageVersion string   `json:"image_version"`
	RemoteImage  string   `json:"remote_image" validate:"required"`
	RegistryURL  string   `json:"registry_url"`
	Metadata     Metadata `json:"metadata,omitempty"`
}

func (ImagePushed) Kind() Kind       { return KindImagePushed }
func (p ImagePushed) meta() Metadata { return p.Metadata }
func (p ImagePushed) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}

// ImagePushFailed is terminal: the push did not complete.
type ImagePushFailed struct {
	ImageName    string   `json:"image_name"`
	ImageVersion string   `json:"image_version"`
	RemoteImage  string   `json:"remote_image"`
	RegistryURL  string   `json:"registry_url"`
	Metadata     Metadata `json:"metadata,omitempty"`
	Error        string   `json:"error" validate:"required"`
}

func (ImagePushFailed) Kind() Kind       { return KindImagePushFailed }
func (p ImagePushFailed) meta() Metadata { return p.Metadata }
func (p ImagePushFailed) clonePayload() Payload {
	p.Metadata = p.Metadata.Clone()
	return p
}
