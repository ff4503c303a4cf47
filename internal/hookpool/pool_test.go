package hookpool

import "testing"

func TestGetPutReuse(t *testing.T) {
	p := New(4)
	h1, ok := p.Get()
	if !ok {
		t.Fatal("expected a hook from a fresh pool")
	}
	h1.Ctx = "payload"
	p.Put(h1)

	h2, ok := p.Get()
	if !ok {
		t.Fatal("expected a hook after returning one")
	}
	if h2.Ctx != nil {
		t.Errorf("expected reused hook to have cleared Ctx, got %v", h2.Ctx)
	}
}

func TestExhaustion(t *testing.T) {
	p := New(2)
	h1, ok := p.Get()
	if !ok {
		t.Fatal("expected hook 1")
	}
	h2, ok := p.Get()
	if !ok {
		t.Fatal("expected hook 2")
	}
	if _, ok := p.Get(); ok {
		t.Fatal("expected pool exhaustion on third Get")
	}
	if got := p.InUse(); got != 2 {
		t.Fatalf("InUse() = %d, want 2", got)
	}

	p.Put(h1)
	if got := p.InUse(); got != 1 {
		t.Fatalf("InUse() after one Put = %d, want 1", got)
	}

	h3, ok := p.Get()
	if !ok {
		t.Fatal("expected a hook to become available after Put")
	}
	p.Put(h2)
	p.Put(h3)
	if got := p.InUse(); got != 0 {
		t.Fatalf("InUse() after draining = %d, want 0", got)
	}
}
