package utils

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 2000; i++ {
		code := RandCode()
		assert.Len(t, code, RoomCodeLength)
		assert.True(t, IsCodeValid(code), fmt.Sprintf("invalid code %q on iteration %d", code, i))
		seen[code] = struct{}{}
	}
	// 36^6 codes, 2000 draws: collisions are possible but near-total
	// duplication would mean a broken generator.
	assert.Greater(t, len(seen), 1990)
}

func TestIsCodeValid(t *testing.T) {
	assert.True(t, IsCodeValid("AB12CD"))
	assert.True(t, IsCodeValid("ZZZZZZ"))
	assert.True(t, IsCodeValid("000000"))

	assert.False(t, IsCodeValid("ab12cd"))
	assert.False(t, IsCodeValid("AB12C"))
	assert.False(t, IsCodeValid("AB12CDE"))
	assert.False(t, IsCodeValid("AB 2CD"))
	assert.False(t, IsCodeValid(""))
}

func TestIsNameValid(t *testing.T) {
	assert.True(t, IsNameValid("alice"))
	assert.True(t, IsNameValid("Bob_42"))
	assert.True(t, IsNameValid("x"))

	assert.False(t, IsNameValid(""))
	assert.False(t, IsNameValid("_leading"))
	assert.False(t, IsNameValid("has space"))
}

func TestParseInt(t *testing.T) {
	defaultValue, minValue, maxValue := 30, 2, 100
	for _, num := range []int{0, 1, 2, 50, 100, 101, 500} {
		expected := num
		if num < minValue || num > maxValue {
			expected = defaultValue
		}
		assert.Equal(t, expected, ParseInt(strconv.Itoa(num), defaultValue, minValue, maxValue))
	}
	assert.Equal(t, defaultValue, ParseInt("junk", defaultValue, minValue, maxValue))
}
