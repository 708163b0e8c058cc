package workflow

import "testing"

func TestValidateDAG_DetectsCycle(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	if err := validateDAG(def); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidateDAG_DetectsUnknownDependency(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", DependsOn: []string{"missing"}},
		},
	}
	if err := validateDAG(def); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestValidateDAG_AcceptsValidDAG(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a", "b"}},
		},
	}
	if err := validateDAG(def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDAG_DetectsDuplicateStepID(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a"},
			{ID: "a"},
		},
	}
	if err := validateDAG(def); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
