package registry

import (
	"context"
	"testing"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

func TestRegisterFuncAndLookupRoundTrip(t *testing.T) {
	r := New()
	r.RegisterFunc("fetch_inventory", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) {
		return domain.JSONMap{"sku": input.Step.Inputs["sku"]}, nil
	})

	handler, err := r.Lookup("fetch_inventory")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	results, err := handler.Handle(context.Background(), domain.HandlerInput{Step: domain.Step{Inputs: domain.JSONMap{"sku": "abc"}}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if results["sku"] != "abc" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestLookupUnregisteredReturnsError(t *testing.T) {
	r := New()
	if _, err := r.Lookup("missing"); err == nil {
		t.Fatal("expected error for unregistered handler name")
	}
}

func TestNamesListsRegisteredHandlers(t *testing.T) {
	r := New()
	r.RegisterFunc("a", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) { return nil, nil })
	r.RegisterFunc("b", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) { return nil, nil })

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d: %v", len(names), names)
	}
}
