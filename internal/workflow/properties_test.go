package workflow_test

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

var (
	imageNameGen    = rapid.StringMatching(`[a-z][a-z0-9-]{0,15}`)
	imageVersionGen = rapid.StringMatching(`[0-9]{1,2}\.[0-9]{1,2}`)
)

func TestProperty_NonAzureVariantFailsOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		variant := rapid.StringMatching(`[a-z]{0,8}`).
			Filter(func(s string) bool { return s != api.VariantAzure }).
			Draw(rt, "variant")
		meta := api.Metadata{}
		if variant != "" || rapid.Bool().Draw(rt, "setEmpty") {
			meta[api.MetaVariant] = variant
		}

		b := &fakeBuilder{}
		eng := newEngine(t, b, &fakePusher{})
		req := api.NewEvent(api.ImageRequested{
			ImageName:    imageNameGen.Draw(rt, "name"),
			ImageVersion: imageVersionGen.Draw(rt, "version"),
			Metadata:     meta,
		})

		out, err := eng.Dispatch(context.Background(), req)
		if err != nil {
			rt.Fatalf("dispatch: %v", err)
		}
		if n := len(ofKind(out, api.KindImageFailed)); n != 1 {
			rt.Fatalf("want exactly one ImageFailed, got %d", n)
		}
		if n := len(ofKind(out, api.KindImageAvailable)); n != 0 {
			rt.Fatalf("want no ImageAvailable, got %d", n)
		}
		if b.calls() != 0 {
			rt.Fatalf("builder ran for variant %q", variant)
		}
	})
}

func TestProperty_AzureBuildFollowsRequest(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		name := imageNameGen.Draw(rt, "name")
		version := imageVersionGen.Draw(rt, "version")

		eng := newEngine(t, &fakeBuilder{}, &fakePusher{})
		req := api.NewEvent(api.ImageRequested{ImageName: name, ImageVersion: version, Metadata: azure()})

		out, err := eng.Dispatch(context.Background(), req)
		if err != nil {
			rt.Fatalf("dispatch: %v", err)
		}
		avail := ofKind(out, api.KindImageAvailable)
		if len(avail) != 1 {
			rt.Fatalf("want exactly one ImageAvailable, got %d", len(avail))
		}
		if !avail[0].Follows(req.ID) {
			rt.Fatalf("%s does not follow request %s", avail[0], req.ID)
		}
		if got, want := avail[0].Payload.(api.ImageAvailable).RegistryPath, registry+"/"+name+":"+version; got != want {
			rt.Fatalf("registry path %q, want %q", got, want)
		}
	})
}

func TestProperty_ErrorProgressNeverPushes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		before := rapid.IntRange(0, 5).Draw(rt, "before")
		after := rapid.IntRange(0, 5).Draw(rt, "after")

		var notes []api.PushProgress
		for i := 0; i < before; i++ {
			notes = append(notes, api.PushProgress{Status: "Pushing"})
		}
		notes = append(notes, api.PushProgress{Error: rapid.StringMatching(`[a-z ]{1,20}`).Draw(rt, "error")})
		for i := 0; i < after; i++ {
			notes = append(notes, api.PushProgress{Status: "Pushed"})
		}

		eng := newEngine(t, &fakeBuilder{}, &fakePusher{progress: notes})
		req := api.NewEvent(api.ImagePushRequested{
			ImageName:    imageNameGen.Draw(rt, "name"),
			ImageVersion: imageVersionGen.Draw(rt, "version"),
			Metadata:     azure(api.MetaCredentialName, "u", api.MetaCredentialValue, "p"),
		})

		out, err := eng.Dispatch(context.Background(), req)
		if err != nil {
			rt.Fatalf("dispatch: %v", err)
		}
		if n := len(ofKind(out, api.KindImagePushed)); n != 0 {
			rt.Fatalf("got %d ImagePushed after an error notification", n)
		}
		if n := len(ofKind(out, api.KindImagePushFailed)); n != 1 {
			rt.Fatalf("want one ImagePushFailed, got %d", n)
		}
	})
}

func TestProperty_ProducedEventsAreValid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		meta := api.Metadata{}
		for _, key := range []string{
			api.MetaVariant,
			api.MetaCredentialName,
			api.MetaCredentialValue,
			api.MetaDockerRegistryURL,
		} {
			if rapid.Bool().Draw(rt, "has_"+key) {
				meta[key] = rapid.SampledFrom([]string{"", api.VariantAzure, "user", "registry:5000"}).Draw(rt, key)
			}
		}

		eng := newEngine(t, &fakeBuilder{}, &fakePusher{})
		var req api.Event
		if rapid.Bool().Draw(rt, "push") {
			req = api.NewEvent(api.ImagePushRequested{
				ImageName:    imageNameGen.Draw(rt, "name"),
				ImageVersion: imageVersionGen.Draw(rt, "version"),
				Metadata:     meta,
			})
		} else {
			req = api.NewEvent(api.ImageRequested{
				ImageName:    imageNameGen.Draw(rt, "name"),
				ImageVersion: imageVersionGen.Draw(rt, "version"),
				Metadata:     meta,
			})
		}

		out, err := eng.Dispatch(context.Background(), req)
		if err != nil {
			rt.Fatalf("dispatch: %v", err)
		}
		for _, ev := range out {
			if err := api.Validate(ev); err != nil {
				rt.Fatalf("produced %s fails validation: %v", ev, err)
			}
		}
	})
}
