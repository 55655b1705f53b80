package workflow

import (
	"context"
	"fmt"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// ProduceImage answers ImageRequested with ImageAvailable or ImageFailed.
// It never waits for input.
type ProduceImage struct {
	builder api.ImageBuilder
}

var _ api.Workflow = (*ProduceImage)(nil)

func NewProduceImage(builder api.ImageBuilder) *ProduceImage {
	return &ProduceImage{builder: builder}
}

func (w *ProduceImage) Name() string { return ProduceImageName }

func (w *ProduceImage) Start(ctx context.Context, fc api.FlowContext, request api.Event) error {
	req, ok := request.Payload.(api.ImageRequested)
	if !ok {
		return unexpectedPayload(api.KindImageRequested, request)
	}

	ev, built, err := buildImage(ctx, fc, w.builder, request, req.ImageName, req.ImageVersion, req.Metadata)
	if err != nil {
		return err
	}
	if !built {
		fc.Fail(stepBuild, ev, reasonOf(ev))
		return nil
	}
	fc.Succeed(stepBuild, ev)
	return nil
}

func (w *ProduceImage) Continue(ctx context.Context, fc api.FlowContext, trigger api.Event, recovered map[api.Kind]api.Event) error {
	return fmt.Errorf("%w: %s does not wait for %s", api.ErrConfiguration, ProduceImageName, trigger.Kind)
}

func (w *ProduceImage) Expire(ctx context.Context, fc api.FlowContext, reason string) error {
	return fmt.Errorf("%w: %s has nothing to expire", api.ErrConfiguration, ProduceImageName)
}
