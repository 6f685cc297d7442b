package sredtrace

import (
	"context"
	"errors"
	"testing"
)

func TestInitWithNoExporterSucceeds(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "sred-test", Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer shutdown(context.Background())

	tr := New()
	_, span := tr.StartStep(context.Background(), "wf", "i1", "start")
	span.End("success", nil)
}

func TestInitWithStdoutExporterSucceeds(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "sred-test", Exporter: ExporterStdout})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer shutdown(context.Background())

	tr := New()
	_, span := tr.StartPersistenceOp(context.Background(), "SaveContext", "i1")
	span.End(errors.New("boom"))
}

func TestInitWithMissingEndpointFails(t *testing.T) {
	if _, err := Init(context.Background(), Config{ServiceName: "sred-test", Exporter: ExporterZipkin}); err == nil {
		t.Fatal("expected an error for a zipkin exporter without an endpoint")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "sred-test", Exporter: ExporterJaeger}); err == nil {
		t.Fatal("expected an error for a jaeger exporter without an endpoint")
	}
}
