package utils

import (
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

var (
	src       = rand.NewSource(time.Now().UnixNano())
	codeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	nameRegex = regexp.MustCompile(`(?i)^[a-z0-9]+[a-z0-9_-]*$`)
)

const codeBytes = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const (
	codeIdxBits = 6                   // 6 bits to represent a code letter index
	codeIdxMask = 1<<codeIdxBits - 1  // all 1-bits, as many as codeIdxBits
	codeIdxMax  = 63 / codeIdxBits    // # of letter indices fitting in 63 bits
)

// RoomCodeLength is the fixed length of rendezvous room codes.
const RoomCodeLength = 6

// RandCode returns a random room code: uppercase alphanumeric, fixed length.
func RandCode() string {
	b := make([]byte, RoomCodeLength)
	for i, cache, remain := RoomCodeLength-1, src.Int63(), codeIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = src.Int63(), codeIdxMax
		}
		if idx := int(cache & codeIdxMask); idx < len(codeBytes) {
			b[i] = codeBytes[idx]
			i--
		}
		cache >>= codeIdxBits
		remain--
	}
	return string(b)
}

// ParseInt converts val to int by min max conditions, on error returns default value
func ParseInt(val string, def, min, max int) int {
	v, _ := strconv.Atoi(val)
	if v < min || v > max {
		v = def
	}
	return v
}

// IsCodeValid reports whether s is a well-formed room code.
func IsCodeValid(s string) bool {
	return codeRegex.MatchString(s)
}

// IsNameValid reports whether s is an acceptable username.
func IsNameValid(s string) bool {
	return len(s) >= 1 && len(s) <= 32 && nameRegex.MatchString(s)
}
