package cmp_test

import (
	"testing"

	"github.com/archlinux/buildbtw/pkg/utils/cmp"
)

func TestSliceEq(t *testing.T) {
	if !cmp.SliceEq([]int{1, 2, 3}, []int{1, 2, 3}) {
		t.Error("equal slices compared unequal")
	}
	if cmp.SliceEq([]int{1, 2, 3}, []int{3, 2, 1}) {
		t.Error("order should matter for SliceEq")
	}
	if cmp.SliceEq([]int{1}, []int{1, 1}) {
		t.Error("length should matter")
	}
}

func TestSliceContentEq(t *testing.T) {
	if !cmp.SliceContentEq([]string{"a", "b"}, []string{"b", "a"}) {
		t.Error("order should not matter for SliceContentEq")
	}
	if cmp.SliceContentEq([]string{"a", "a", "b"}, []string{"a", "b", "b"}) {
		t.Error("multiplicity should matter")
	}
}

func TestMapEq(t *testing.T) {
	a := map[string]int{"x": 1, "y": 2}
	b := map[string]int{"y": 2, "x": 1}
	if !cmp.MapEq(a, b) {
		t.Error("equal maps compared unequal")
	}
	if cmp.MapEq(a, map[string]int{"x": 1, "z": 2}) {
		t.Error("different keys compared equal")
	}
}

func TestMapEqWith(t *testing.T) {
	a := map[string]string{"k": "foo..."}
	b := map[string]string{"k": "foo!!!"}
	if !cmp.MapEqWith(a, b, func(x, y string) bool { return x[:3] == y[:3] }) {
		t.Error("a != b, unexpectedly")
	}
}
