// Package statusword implements the bit-packed per-artifact status word.
//
// A status word is a uint32 split into five fixed-width fields, one per
// download task. Each field holds a small counter with tri-state semantics:
// 0 means the task succeeded, 1..MaxRetry means a transient-failure count
// still eligible for retry, and anything above MaxRetry means the task has
// permanently failed. The codec is the sole writer of the packed word; every
// other package treats it as opaque and goes through Get/Set/Advance.
package statusword

import "fmt"

// FieldWidth is the number of bits per field: 5 fields of ~4 bits each.
// Five fields of 4 bits fit in 20 of the word's 32 bits, leaving the top
// 12 bits always zero.
const FieldWidth = 4

// FieldCount is the number of fields packed into one word.
const FieldCount = 5

// MaxRetry is the highest transient-failure count before a field becomes
// permanently failed. MaxRetry+1 is the terminal-failure sentinel.
const MaxRetry = 9

const fieldMask = (1 << FieldWidth) - 1

// Class is the tri-state classification of a field's value.
type Class int

const (
	// ClassOK is terminal success (value == 0).
	ClassOK Class = iota
	// ClassRetry is a transient failure still eligible for retry.
	ClassRetry
	// ClassFailed is a terminal failure; never retried without a reset.
	ClassFailed
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRetry:
		return "retry"
	case ClassFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func checkField(field int) {
	if field < 0 || field >= FieldCount {
		panic(fmt.Sprintf("statusword: field index %d out of range [0,%d)", field, FieldCount))
	}
}

func shift(field int) uint {
	return uint(field) * FieldWidth
}

// Get returns the raw counter value of a field (0..15 for width 4).
func Get(word uint32, field int) uint8 {
	checkField(field)
	return uint8((word >> shift(field)) & fieldMask)
}

// Set returns a new word with field replaced by value. value is masked to
// the field's width; callers should not rely on overflow truncation and
// should route through Advance instead for saturating increments.
func Set(word uint32, field int, value uint8) uint32 {
	checkField(field)
	s := shift(field)
	word &^= fieldMask << s
	word |= (uint32(value) & fieldMask) << s
	return word
}

// Classify maps a raw field value to its tri-state class.
func Classify(value uint8) Class {
	switch {
	case value == 0:
		return ClassOK
	case value <= MaxRetry:
		return ClassRetry
	default:
		return ClassFailed
	}
}

// ShouldRun reports whether a field is eligible to be attempted: neither
// terminal success nor terminal failure.
func ShouldRun(word uint32, field int) bool {
	c := Classify(Get(word, field))
	return c != ClassOK && c != ClassFailed
}

// Advance applies the outcome of one attempt at field: success resets it to
// 0, failure increments it, saturating at MaxRetry+1 — once terminal, no
// further increment occurs.
func Advance(word uint32, field int, succeeded bool) uint32 {
	checkField(field)
	if succeeded {
		return Set(word, field, 0)
	}
	cur := Get(word, field)
	if Classify(cur) == ClassFailed {
		return word
	}
	next := cur + 1
	if next > MaxRetry+1 {
		next = MaxRetry + 1
	}
	return Set(word, field, next)
}

// AllTerminal reports whether every field is in terminal state (success or
// permanently failed) — used to decide the video-level pages_downloaded
// rollup field.
func AllTerminal(word uint32) bool {
	for f := 0; f < FieldCount; f++ {
		c := Classify(Get(word, f))
		if c == ClassRetry {
			return false
		}
	}
	return true
}

// Reset zeros every field (used by a user-initiated full reset,
// reset_status with scope "all").
func Reset() uint32 {
	return 0
}

// Initial returns the status word for a newly created video/page row: every
// field set to 1 (one attempt pending, zero failures consumed). The codec
// only defines three classes (success/retry/failed) and 0 is success, so a
// row that has never been attempted must start in the retry class — value 1
// — rather than at 0, or ShouldRun would wrongly report a brand-new artifact
// as already complete.
func Initial() uint32 {
	var word uint32
	for f := 0; f < FieldCount; f++ {
		word = Set(word, f, 1)
	}
	return word
}

// ResetField zeros a single field (reset_status with a named subset).
func ResetField(word uint32, field int) uint32 {
	return Set(word, field, 0)
}
