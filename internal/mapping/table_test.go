package mapping

import "testing"

func TestBuildRejectsEmpty(t *testing.T) {
	if _, err := Build(2, nil); err == nil {
		t.Fatal("expected error building a table with no targets")
	}
}

func TestBuildRejectsBadFanout(t *testing.T) {
	if _, err := Build(0, []uint64{10}); err == nil {
		t.Fatal("expected error for fanout < 1")
	}
}

func TestLookupFiveTargetsFanoutTwo(t *testing.T) {
	tbl, err := Build(2, []uint64{10, 20, 30, 40, 50})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := tbl.Depth(); got != 2 {
		t.Fatalf("Depth() = %d, want 2", got)
	}

	cases := []struct {
		sector uint64
		want   int
	}{
		{0, 0}, {10, 0}, {11, 1}, {20, 1},
		{21, 2}, {25, 2}, {30, 2},
		{31, 3}, {40, 3},
		{41, 4}, {50, 4},
	}
	for _, c := range cases {
		got, ok := tbl.Lookup(c.sector)
		if !ok {
			t.Errorf("Lookup(%d): unexpectedly out of range", c.sector)
			continue
		}
		if got != c.want {
			t.Errorf("Lookup(%d) = %d, want %d", c.sector, got, c.want)
		}
	}

	if _, ok := tbl.Lookup(51); ok {
		t.Error("Lookup(51) should be out of range for a 50-sector table")
	}
}

func TestLookupTwoTargetSplit(t *testing.T) {
	tbl, err := Build(2, []uint64{99, 199})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	cases := []struct {
		sector uint64
		want   int
	}{
		{0, 0}, {99, 0}, {100, 1}, {199, 1},
	}
	for _, c := range cases {
		got, ok := tbl.Lookup(c.sector)
		if !ok || got != c.want {
			t.Errorf("Lookup(%d) = (%d, %v), want (%d, true)", c.sector, got, ok, c.want)
		}
	}
}

func TestLookupSingleTarget(t *testing.T) {
	tbl, err := Build(4, []uint64{1023})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if tbl.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", tbl.Depth())
	}
	for _, s := range []uint64{0, 1, 500, 1023} {
		got, ok := tbl.Lookup(s)
		if !ok || got != 0 {
			t.Errorf("Lookup(%d) = (%d, %v), want (0, true)", s, got, ok)
		}
	}
	if _, ok := tbl.Lookup(1024); ok {
		t.Error("Lookup(1024) should be out of range")
	}
}

func TestLookupLargeWideTable(t *testing.T) {
	n := 200
	highs := make([]uint64, n)
	for i := range highs {
		highs[i] = uint64((i + 1) * 100)
	}
	tbl, err := Build(3, highs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for i, high := range highs {
		got, ok := tbl.Lookup(high)
		if !ok || got != i {
			t.Errorf("Lookup(%d) = (%d, %v), want (%d, true)", high, got, ok, i)
		}
	}
}
