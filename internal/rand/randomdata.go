// Package rand produces random test data: raw bytes standing in for tensor
// payloads and letter strings for names and directories.
package rand

import (
	"bytes"
	"math/rand"
	"sync"
	"time"
)

// Bytes returns a random slice of bytes
func Bytes(n int) []byte {
	return randBytes(n)
}

// String returns a random string
func String(n int) string {
	return string(randBytes(n))
}

// LetterBytes returns a random slice of bytes picked in the [0-9]|[a-z] range
func LetterBytes(n int) []byte {
	return randLetterBytes(n)
}

// LetterString returns a random string picked in the [0-9]|[a-z] range
func LetterString(n int) string {
	return string(randLetterBytes(n))
}

// Uint64s returns a random token sequence of length n
func Uint64s(n int) []uint64 {
	onceSource.Do(seed)
	tokens := make([]uint64, n)
	randMutex.Lock()
	for i := range tokens {
		tokens[i] = rgen.Uint64()
	}
	randMutex.Unlock()
	return tokens
}

var (
	onceSource  sync.Once
	rgen        *rand.Rand
	onceLetters sync.Once
	randMutex   sync.Mutex
)

func seed() {
	src := rand.NewSource(time.Now().UnixNano())
	rgen = rand.New(src) // #nosec
}

func randBytes(n int) []byte {
	onceSource.Do(seed)
	buf := make([]byte, n)
	randMutex.Lock()
	_, _ = rgen.Read(buf)
	randMutex.Unlock()
	return buf
}

var letters []byte

func makeLetters() {
	// adds "a" to pad over 256 locations (0-9 U a-z makes up to 252 only and we want to cover the range of uint8)
	// so the "a" is slightly more frequent than other signs. The trade-off here is speed over exact randomness
	letters = bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789a"), 7)
}

func randLetterBytes(n int) []byte {
	onceLetters.Do(makeLetters)
	buf := randBytes(n)
	for i, b := range buf {
		buf[i] = letters[b]
	}
	return buf
}
