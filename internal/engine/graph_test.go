package engine

import (
	"errors"
	"testing"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func step(id string, role schema.Role, depends ...string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Role: role, DependsOn: depends}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var ce *schema.CASError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CASError, got %T: %v", err, err)
	}
	if ce.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, ce.Code, ce.Message)
	}
}

func positions(g *Graph) map[string]int {
	m := make(map[string]int, len(g.Sorted))
	for i, s := range g.Sorted {
		m[s] = i
	}
	return m
}

func TestParseGraph_LinearChain(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "chain", Steps: []schema.WorkflowStep{
		step("plan", schema.RolePlanner),
		step("build", schema.RoleDeveloper, "plan"),
		step("test", schema.RoleTester, "build"),
	}}

	g, err := ParseGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	idx := positions(g)
	if idx["plan"] >= idx["build"] || idx["build"] >= idx["test"] {
		t.Errorf("incorrect topological order: %v", g.Sorted)
	}
	if len(g.Roots) != 1 || g.Roots[0] != "plan" {
		t.Errorf("expected roots=[plan], got %v", g.Roots)
	}
	if len(g.Levels) != 3 {
		t.Errorf("expected 3 levels, got %d", len(g.Levels))
	}
}

func TestParseGraph_FanIn(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "review", Steps: []schema.WorkflowStep{
		step("test", schema.RoleTester),
		step("qa", schema.RoleQA, "test"),
		step("security", schema.RoleSecurity, "test"),
		step("deploy", schema.RoleEngineer, "qa", "security"),
	}}

	g, err := ParseGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(g.Levels))
	}
	if got := g.Levels[1]; len(got) != 2 || got[0] != "qa" || got[1] != "security" {
		t.Errorf("level 1 should hold qa and security, got %v", got)
	}
	if got := g.Levels[2]; len(got) != 1 || got[0] != "deploy" {
		t.Errorf("deploy must wait for both reviews, got %v", got)
	}
	if len(g.Reverse["test"]) != 2 {
		t.Errorf("test should have two dependents, got %v", g.Reverse["test"])
	}
	if len(g.Edges["deploy"]) != 2 {
		t.Errorf("deploy should have two dependencies, got %v", g.Edges["deploy"])
	}
}

func TestParseGraph_DeterministicOrder(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "wide", Steps: []schema.WorkflowStep{
		step("c", schema.RoleAnalyst),
		step("a", schema.RoleAnalyst),
		step("b", schema.RoleAnalyst),
	}}
	for i := 0; i < 5; i++ {
		g, err := ParseGraph(def)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g.Sorted[0] != "a" || g.Sorted[1] != "b" || g.Sorted[2] != "c" {
			t.Fatalf("expected sorted roots, got %v", g.Sorted)
		}
	}
}

func TestParseGraph_Cycles(t *testing.T) {
	cases := map[string][]schema.WorkflowStep{
		"self": {step("a", schema.RolePlanner, "a")},
		"two": {
			step("a", schema.RolePlanner, "b"),
			step("b", schema.RolePlanner, "a"),
		},
		"subgraph": {
			step("a", schema.RolePlanner),
			step("b", schema.RolePlanner, "a"),
			step("c", schema.RolePlanner, "e"),
			step("d", schema.RolePlanner, "c"),
			step("e", schema.RolePlanner, "d"),
		},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGraph(&schema.WorkflowDefinition{Name: name, Steps: steps})
			assertCode(t, err, schema.ErrCodeCycleDetected)
		})
	}
}

func TestParseGraph_Invalid(t *testing.T) {
	cases := map[string]*schema.WorkflowDefinition{
		"nil":           nil,
		"empty":         {Name: "empty"},
		"empty id":      {Steps: []schema.WorkflowStep{step("", schema.RolePlanner)}},
		"duplicate id":  {Steps: []schema.WorkflowStep{step("a", schema.RolePlanner), step("a", schema.RoleQA)}},
		"missing dep":   {Steps: []schema.WorkflowStep{step("a", schema.RolePlanner, "ghost")}},
		"duplicate dep": {Steps: []schema.WorkflowStep{step("a", schema.RolePlanner), step("b", schema.RoleQA, "a", "a")}},
		"unknown role":  {Steps: []schema.WorkflowStep{step("a", schema.Role("janitor"))}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGraph(def)
			assertCode(t, err, schema.ErrCodeValidation)
		})
	}
}
