package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	artifact "github.com/acmsl/licdata-artifact"
	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/internal/transport"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	viaAsynq  = "asynq"
	viaQueue  = "queue"
	viaInline = "inline"
)

// submission holds the flags shared by the commands that send an event.
type submission struct {
	via string
}

func (s *submission) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.via, "via", viaAsynq,
		"asynq: enqueue on Redis; queue: the store's task queue; inline: run the saga in this process")
}

// send delivers ev and prints the saga id, plus the produced events when the
// saga ran inline.
func (a *app) send(cmd *cobra.Command, via string, ev api.Event) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch via {
	case viaAsynq:
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: a.cfg.Transport.RedisAddr})
		defer client.Close()
		if err := transport.NewPublisher(client, a.cfg.Transport.InboundQueue, a.logger).Publish(ctx, ev); err != nil {
			return err
		}

	case viaQueue:
		b, err := openBackend(ctx, a.cfg.Store, artifact.Options{})
		if err != nil {
			return err
		}
		defer b.Close()
		if b.queue == nil {
			return fmt.Errorf("%w: store backend %q has no task queue", api.ErrConfiguration, a.cfg.Store.Backend)
		}
		if err := api.Validate(ev); err != nil {
			return err
		}
		if err := b.queue.Enqueue(ctx, taskqueue.NewTask(ev)); err != nil {
			return err
		}

	case viaInline:
		produced, err := a.dispatchInline(ctx, ev)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "saga %s\n", sagaOf(ev))
		return writeEvents(out, produced)

	default:
		return fmt.Errorf("%w: unknown --via %q", api.ErrConfiguration, via)
	}

	fmt.Fprintf(out, "saga %s\n", sagaOf(ev))
	return nil
}

func (a *app) dispatchInline(ctx context.Context, ev api.Event) ([]api.Event, error) {
	opts, closeDocker, err := imageOptions(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeDocker() }()
	opts.Observer = api.NewLoggingObserver(a.logger)

	b, err := openBackend(ctx, a.cfg.Store, opts)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return b.engine.Dispatch(ctx, ev)
}

func sagaOf(ev api.Event) string {
	if ev.SagaID != "" {
		return ev.SagaID
	}
	return ev.ID
}

// requestFlags are the flags of request-image and request-push.
type requestFlags struct {
	submission
	variant  string
	registry string
	base     string
	python   string
	meta     map[string]string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	f.submission.bind(cmd)
	cmd.Flags().StringVar(&f.variant, "variant", api.VariantAzure, "deployment target; only azure images can be built")
	cmd.Flags().StringVar(&f.registry, "registry", "", "docker registry url")
	cmd.Flags().StringVar(&f.base, "azure-base", "", "azure functions base image version")
	cmd.Flags().StringVar(&f.python, "python", "", "python version")
	cmd.Flags().StringToStringVar(&f.meta, "meta", nil, "extra metadata, key=value")
}

func (f *requestFlags) metadata() api.Metadata {
	m := api.Metadata{}
	for k, v := range f.meta {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(api.MetaVariant, f.variant)
	set(api.MetaDockerRegistryURL, f.registry)
	set(api.MetaAzureBaseImageVersion, f.base)
	set(api.MetaPythonVersion, f.python)
	return m
}

func newRequestImageCmd(a *app) *cobra.Command {
	f := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "request-image NAME VERSION",
		Short: "Request an image build",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := api.NewEvent(api.ImageRequested{
				ImageName:    args[0],
				ImageVersion: args[1],
				Metadata:     f.metadata(),
			})
			return a.send(cmd, f.via, ev)
		},
	}
	f.bind(cmd)
	return cmd
}

func newRequestPushCmd(a *app) *cobra.Command {
	f := &requestFlags{}
	var credName, credValue string
	cmd := &cobra.Command{
		Use:   "request-push NAME VERSION",
		Short: "Request an image build and push",
		Long: `Request an image build and push. Without --credential-name the saga
waits for a CredentialProvided event (see provide-credential).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := f.metadata()
			if credName != "" {
				meta[api.MetaCredentialName] = credName
				meta[api.MetaCredentialValue] = credValue
			}
			ev := api.NewEvent(api.ImagePushRequested{
				ImageName:    args[0],
				ImageVersion: args[1],
				Metadata:     meta,
			})
			return a.send(cmd, f.via, ev)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&credName, "credential-name", "", "registry user; skips the credential request")
	cmd.Flags().StringVar(&credValue, "credential-value", "", "registry password or token")
	return cmd
}

func newProvideCredentialCmd(a *app) *cobra.Command {
	var (
		s        submission
		value    string
		registry string
	)
	cmd := &cobra.Command{
		Use:   "provide-credential SAGA_ID NAME",
		Short: "Answer the credential request of a waiting publish saga",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg.Store, artifact.Options{})
			if err != nil {
				return err
			}
			history, err := b.engine.History(ctx, args[0])
			_ = b.Close()
			if err != nil {
				return err
			}
			if len(history) == 0 {
				return fmt.Errorf("saga %s has no history", args[0])
			}

			meta := api.Metadata{}
			if registry != "" {
				meta[api.MetaDockerRegistryURL] = registry
			}
			ev := api.NewEvent(api.CredentialProvided{
				Name:     args[1],
				Value:    value,
				Metadata: meta,
			}, history[0]).WithSaga(args[0])
			return a.send(cmd, s.via, ev)
		},
	}
	s.bind(cmd)
	cmd.Flags().StringVar(&value, "value", "", "registry password or token")
	cmd.Flags().StringVar(&registry, "registry", "", "registry the credential is for")
	return cmd
}
