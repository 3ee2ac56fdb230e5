package result

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccess(t *testing.T) {
	r := Success[[]byte, string]([]byte("initial"))

	assert.True(t, r.OK())
	v, ok := r.Get()
	assert.True(t, ok)
	assert.Equal(t, []byte("initial"), v)

	f, ok := r.Err()
	assert.False(t, ok)
	assert.Empty(t, f)
}

func TestFailure(t *testing.T) {
	r := Failure[[]byte, string]("unknown branch 'ghost'")

	assert.False(t, r.OK())
	v, ok := r.Get()
	assert.False(t, ok)
	assert.Nil(t, v)

	f, ok := r.Err()
	assert.True(t, ok)
	assert.Equal(t, "unknown branch 'ghost'", f)
}

func TestZeroValueIsFailure(t *testing.T) {
	var r Result[int, string]
	assert.False(t, r.OK())
}

func TestMap(t *testing.T) {
	ok := Map(Success[int, string](42), strconv.Itoa)
	v, _ := ok.Get()
	assert.Equal(t, "42", v)

	failed := Map(Failure[int, string]("boom"), strconv.Itoa)
	assert.False(t, failed.OK())
	f, _ := failed.Err()
	assert.Equal(t, "boom", f)
}
