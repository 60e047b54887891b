package contradiction

import (
	"reflect"
	"testing"
)

func TestSelect_Deterministic(t *testing.T) {
	t.Parallel()

	a := Select(DensityMedium, 3, 42)
	b := Select(DensityMedium, 3, 42)

	if !reflect.DeepEqual(names(a), names(b)) {
		t.Errorf("same (density, depth, seed) produced %v and %v", names(a), names(b))
	}
}

func TestSelect_SeedsDiffer(t *testing.T) {
	t.Parallel()

	// Different seeds should almost always pick different sets; probe a few
	// seeds so a single collision cannot fail the test.
	base := names(Select(DensityLow, 1, 1))
	differ := false
	for seed := uint64(2); seed < 12; seed++ {
		if !reflect.DeepEqual(base, names(Select(DensityLow, 1, seed))) {
			differ = true
			break
		}
	}
	if !differ {
		t.Error("ten distinct seeds all produced the identical selection")
	}
}

func TestSelect_Counts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		density string
		depth   int
		want    int
	}{
		{DensityLow, 1, 3},
		{DensityMedium, 1, 6},
		{DensityHigh, 1, 10},
		{DensityLow, 2, 4},
		{DensityMedium, 2, 7},
		{DensityHigh, 3, 12},
		{DensityHigh, 10, len(Catalog())}, // capped at catalog size
	}

	for _, tt := range tests {
		got := Select(tt.density, tt.depth, 7)
		if len(got) != tt.want {
			t.Errorf("Select(%s, depth=%d) returned %d entries, want %d",
				tt.density, tt.depth, len(got), tt.want)
		}
	}
}

func TestSelect_UnknownDensityDefaultsToMedium(t *testing.T) {
	t.Parallel()

	got := Select("turbo", 1, 7)
	if len(got) != 6 {
		t.Errorf("unknown density returned %d entries, want medium's 6", len(got))
	}
}

func TestSelect_Depth1IsSubtle(t *testing.T) {
	t.Parallel()

	for seed := uint64(0); seed < 20; seed++ {
		for _, c := range Select(DensityHigh, 1, seed) {
			if c.Difficulty > 2 {
				t.Fatalf("depth 1 selected %q with difficulty %d", c.Name, c.Difficulty)
			}
		}
	}
}

func TestSelect_MandatoryCredentialBait(t *testing.T) {
	t.Parallel()

	for seed := uint64(0); seed < 20; seed++ {
		if n := credCount(Select(DensityLow, 2, seed)); n < 1 {
			t.Fatalf("depth 2 seed %d: %d credential entries, want >= 1", seed, n)
		}
		if n := credCount(Select(DensityLow, 3, seed)); n < 2 {
			t.Fatalf("depth 3 seed %d: %d credential entries, want >= 2", seed, n)
		}
	}
}

func TestSelect_NoDuplicates(t *testing.T) {
	t.Parallel()

	for seed := uint64(0); seed < 20; seed++ {
		got := Select(DensityHigh, 4, seed)
		seen := make(map[string]bool, len(got))
		for _, c := range got {
			if seen[c.Name] {
				t.Fatalf("seed %d: %q selected twice", seed, c.Name)
			}
			seen[c.Name] = true
		}
	}
}

func TestCatalog_Shape(t *testing.T) {
	t.Parallel()

	if len(Catalog()) != 13 {
		t.Fatalf("catalog has %d entries, want 13", len(Catalog()))
	}
	for _, c := range Catalog() {
		if c.Name == "" || c.Category == "" || len(c.ShellCommands) == 0 {
			t.Errorf("catalog entry %+v incomplete", c.Name)
		}
		if c.Difficulty < 1 || c.Difficulty > 3 {
			t.Errorf("%s: difficulty %d out of range", c.Name, c.Difficulty)
		}
	}
}

func names(in []Contradiction) []string {
	out := make([]string, len(in))
	for i, c := range in {
		out[i] = c.Name
	}
	return out
}

func credCount(in []Contradiction) int {
	n := 0
	for _, c := range in {
		if c.Category == CategoryCredentials {
			n++
		}
	}
	return n
}
