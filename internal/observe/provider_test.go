package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func resourceValue(t *testing.T, res *resource.Resource, key attribute.Key) (string, bool) {
	t.Helper()
	v, ok := res.Set().Value(key)
	return v.AsString(), ok
}

func TestNewResource_DescribesInterview(t *testing.T) {
	t.Parallel()

	res, err := newResource(context.Background(), ProviderConfig{
		ServiceVersion: "1.2.3",
		InstanceID:     "station-7",
		VoiceAgent:     "gemini-live",
		VoiceModel:     "live-2",
		PlanTitle:      "Commute habits",
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	want := map[attribute.Key]string{
		semconv.ServiceNameKey:       "insightflow",
		semconv.ServiceVersionKey:    "1.2.3",
		semconv.ServiceInstanceIDKey: "station-7",
		AttrVoiceAgent:               "gemini-live",
		AttrVoiceModel:               "live-2",
		AttrPlanTitle:                "Commute habits",
	}
	for k, v := range want {
		got, ok := resourceValue(t, res, k)
		if !ok || got != v {
			t.Errorf("%s = %q (present %v), want %q", k, got, ok, v)
		}
	}
}

func TestNewResource_OmitsEmptyFieldsAndGeneratesInstanceID(t *testing.T) {
	t.Parallel()

	a, err := newResource(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	b, err := newResource(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	for _, k := range []attribute.Key{AttrVoiceAgent, AttrVoiceModel, AttrPlanTitle, semconv.ServiceVersionKey} {
		if _, ok := resourceValue(t, a, k); ok {
			t.Errorf("%s set without a value", k)
		}
	}
	idA, _ := resourceValue(t, a, semconv.ServiceInstanceIDKey)
	idB, _ := resourceValue(t, b, semconv.ServiceInstanceIDKey)
	if idA == "" || idA == idB {
		t.Errorf("instance IDs = %q, %q, want distinct non-empty", idA, idB)
	}
}

func TestNewResource_EnvironmentOverrides(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "insightflow.plan.title=from-env")

	res, err := newResource(context.Background(), ProviderConfig{PlanTitle: "from-config"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	if got, _ := resourceValue(t, res, AttrPlanTitle); got != "from-env" {
		t.Errorf("plan title = %q, want from-env", got)
	}
}
