package redzone

import "testing"

func TestNewFacadeRejectsInvalidMode(t *testing.T) {
	if _, err := NewFacade(ModeInBand, nil, nil, nil); err == nil {
		t.Fatal("NewFacade(ModeInBand, nil memset) should fail ValidateMode")
	}
}

func TestNewFacadeWiresComponents(t *testing.T) {
	f, err := NewFacade(ModeInBand, nil, realMemset, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Heap == nil || f.Predicate == nil || f.Typed == nil || f.Cache == nil || f.Delegate == nil {
		t.Fatalf("NewFacade left a component nil: %+v", f)
	}

	ptr, err := f.Typed.TypedMalloc(32, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Predicate.IsRedzone(ptr); got != IsObject {
		t.Fatalf("IsRedzone(typed payload) = %v, want IsObject", got)
	}
}
