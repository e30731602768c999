package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFactory_CategoryFilter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := New(zap.New(core), map[Category]bool{CategoryVM: true})

	f.Get(CategoryVM).Info("vm message")
	f.Get(CategoryPlanner).Info("planner message")

	if got := logs.Len(); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
	if msg := logs.All()[0].Message; msg != "vm message" {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestFactory_NoFilterEnablesAll(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := New(zap.New(core), nil)

	f.Get(CategoryCompiler).Info("a")
	f.Get(CategoryEngine).Info("b")

	if got := logs.Len(); got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}
}

func TestFactory_GetIsStable(t *testing.T) {
	f := Nop()
	if f.Get(CategoryVM) != f.Get(CategoryVM) {
		t.Error("expected cached logger instance")
	}
}
