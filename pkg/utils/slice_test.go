package utils_test

import (
	"testing"

	"github.com/archlinux/buildbtw/pkg/utils"
	"github.com/archlinux/buildbtw/pkg/utils/cmp"
)

func TestMap(t *testing.T) {
	got := utils.Map([]int{1, 2, 3}, func(v int) int { return v * 2 })
	if !cmp.SliceEq(got, []int{2, 4, 6}) {
		t.Errorf("got %v", got)
	}
}

func TestFilter(t *testing.T) {
	got := utils.Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if !cmp.SliceEq(got, []int{2, 4}) {
		t.Errorf("got %v", got)
	}
}

func TestSorted(t *testing.T) {
	input := []string{"c", "a", "b"}
	got := utils.Sorted(input, func(a, b string) bool { return a < b })
	if !cmp.SliceEq(got, []string{"a", "b", "c"}) {
		t.Errorf("got %v", got)
	}
	if !cmp.SliceEq(input, []string{"c", "a", "b"}) {
		t.Error("Sorted modified its input")
	}
}

func TestToMap(t *testing.T) {
	got := utils.ToMap([]string{"aa", "b"}, func(v string) int { return len(v) })
	if len(got) != 2 || got[2] != "aa" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
}

func TestFirst(t *testing.T) {
	v, ok := utils.First([]int{1, 2, 3}, func(v int) bool { return v > 1 })
	if !ok || v != 2 {
		t.Errorf("got (%v, %v)", v, ok)
	}
	if _, ok := utils.First([]int{1}, func(v int) bool { return v > 1 }); ok {
		t.Error("found a match in a slice without one")
	}
}
