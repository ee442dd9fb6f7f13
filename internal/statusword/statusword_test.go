package statusword

import "testing"

func TestGetSetRoundTrip(t *testing.T) {
	tests := []struct {
		field int
		value uint8
	}{
		{0, 0},
		{1, 1},
		{2, MaxRetry},
		{3, MaxRetry + 1},
		{4, 15},
	}
	var word uint32
	for _, tt := range tests {
		word = Set(word, tt.field, tt.value)
	}
	for _, tt := range tests {
		if got := Get(word, tt.field); got != tt.value {
			t.Errorf("Get(field=%d) = %d, want %d", tt.field, got, tt.value)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		value uint8
		want  Class
	}{
		{0, ClassOK},
		{1, ClassRetry},
		{MaxRetry, ClassRetry},
		{MaxRetry + 1, ClassFailed},
		{15, ClassFailed},
	}
	for _, tt := range tests {
		if got := Classify(tt.value); got != tt.want {
			t.Errorf("Classify(%d) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestAdvanceSaturatesAtTerminal(t *testing.T) {
	var word uint32
	for i := 0; i < MaxRetry+5; i++ {
		word = Advance(word, 0, false)
	}
	if got := Get(word, 0); got != MaxRetry+1 {
		t.Fatalf("after repeated failures field = %d, want %d", got, MaxRetry+1)
	}
	// S2: once terminal-failed, further failure must not move it.
	again := Advance(word, 0, false)
	if again != word {
		t.Fatalf("terminal field advanced further: %d -> %d", word, again)
	}
}

func TestAdvanceSuccessResets(t *testing.T) {
	word := Set(uint32(0), 0, 5)
	word = Advance(word, 0, true)
	if got := Get(word, 0); got != 0 {
		t.Fatalf("Advance(success) = %d, want 0", got)
	}
}

func TestShouldRun(t *testing.T) {
	var word uint32
	if ShouldRun(word, 0) {
		t.Fatal("field 0 (value 0) should not run")
	}
	word = Set(word, 1, 3)
	if !ShouldRun(word, 1) {
		t.Fatal("field 1 (retry count 3) should run")
	}
	word = Set(word, 2, MaxRetry+1)
	if ShouldRun(word, 2) {
		t.Fatal("field 2 (terminal failed) should not run")
	}
}

func TestAllTerminal(t *testing.T) {
	var word uint32
	if !AllTerminal(word) {
		t.Fatal("zero word should be all-terminal (all success)")
	}
	word = Set(word, 2, 1)
	if AllTerminal(word) {
		t.Fatal("word with a retry-state field should not be all-terminal")
	}
	word = Set(word, 2, MaxRetry+1)
	if !AllTerminal(word) {
		t.Fatal("word with only success/failed fields should be all-terminal")
	}
}

func TestInvalidFieldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range field index")
		}
	}()
	Get(0, FieldCount)
}

func TestResetField(t *testing.T) {
	word := Set(uint32(0), 3, MaxRetry+1)
	word = ResetField(word, 3)
	if got := Get(word, 3); got != 0 {
		t.Fatalf("ResetField left value %d, want 0", got)
	}
}

func TestNoBitsOutsideFields(t *testing.T) {
	// S1: unused high bits are always zero regardless of field contents.
	var word uint32
	for f := 0; f < FieldCount; f++ {
		word = Set(word, f, 15)
	}
	usedBits := uint32(FieldCount*FieldWidth)
	if word>>usedBits != 0 {
		t.Fatalf("bits set outside the %d defined fields: %#x", FieldCount, word)
	}
}
