package telemetry

import (
	"context"
	"testing"
)

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "tarn"})
	if err != nil {
		t.Fatalf("SetupProvider: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
