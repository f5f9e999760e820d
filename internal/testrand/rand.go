// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package testrand implements random data helpers for tests.
package testrand

import (
	"math/rand"

	"github.com/google/uuid"
)

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
func Intn(n int) int {
	return rand.Intn(n)
}

// Read fills data with pseudo-random bytes.
func Read(data []byte) {
	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// UUID returns a random UUID.
func UUID() uuid.UUID {
	return uuid.New()
}

const runes = "abcdefghijklmnopqrstuvwxyz0123456789"

// String returns a random alphanumeric string of length n.
func String(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = runes[rand.Intn(len(runes))]
	}
	return string(out)
}
