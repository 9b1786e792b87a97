package diaghttp_test

import (
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func AssertEqual[X any](t *testing.T, want, have X) {
	t.Helper()
	if !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("error %v", err)
	}
}

func AssertTrue(t *testing.T, b bool, format string, args ...any) {
	t.Helper()
	if !b {
		t.Fatalf(format, args...)
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
