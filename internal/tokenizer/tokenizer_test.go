package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testVocab() *Vocab {
	return NewVocab([]string{"<unk>", "▁the", "▁cat", "▁", "s", "at", "c", "h", "e", "t", "a", "▁sat"})
}

func TestVocabEncodeDecode(t *testing.T) {
	v := testVocab()
	ids := v.EncodeAsIDs("the cats sat")
	want := []int{1, 2, 4, 11}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("encode got %v want %v", ids, want)
	}
	if got := v.DecodeIDs(ids); got != "the cats sat" {
		t.Fatalf("decode got %q", got)
	}
}

func TestVocabUnknown(t *testing.T) {
	v := testVocab()
	ids := v.EncodeAsIDs("the z")
	if ids[len(ids)-1] != 0 {
		t.Fatalf("expected unk for z, got %v", ids)
	}
}

func TestTargetsRoundTrip(t *testing.T) {
	v := testVocab()
	for _, words := range []string{"the cat", "that sat", "a cat sat at the hat"} {
		enc := EncodeTargets(v, words, 0, 0)
		if enc.TokensBOS[0] != 0 || enc.TokensEOS[len(enc.TokensEOS)-1] != 0 {
			t.Fatalf("boundary tokens missing: %+v", enc)
		}
		if !reflect.DeepEqual(enc.TokensBOS[1:], enc.Tokens) || !reflect.DeepEqual(enc.TokensEOS[:len(enc.TokensEOS)-1], enc.Tokens) {
			t.Fatalf("variants disagree: %+v", enc)
		}
		if got := v.DecodeIDs(enc.Tokens); got != words {
			t.Fatalf("round trip %q -> %q", words, got)
		}
		if got := DecodeWords(v, [][]int{enc.TokensBOS[1:]}); strings.Join(got[0], " ") != words {
			t.Fatalf("bos variant round trip: %v", got)
		}
	}
}

func TestCheckSpecialsSharedZero(t *testing.T) {
	v := testVocab() // no <s> or </s>
	if err := CheckSpecials(v, Indices{}); err != nil {
		t.Fatalf("all-zero config should pass: %v", err)
	}
	for _, idx := range []Indices{{BOS: 1}, {EOS: 2}, {Blank: 3}, {Unk: 4}} {
		err := CheckSpecials(v, idx)
		if !errors.Is(err, ErrSpecialMismatch) {
			t.Fatalf("%+v: expected mismatch, got %v", idx, err)
		}
	}
}

func TestCheckSpecialsExplicit(t *testing.T) {
	v := NewVocab([]string{"<blank>", "<unk>", "<s>", "</s>", "▁a"})
	if err := CheckSpecials(v, Indices{BOS: 2, EOS: 3, Blank: 0, Unk: 1}); err != nil {
		t.Fatalf("matching config: %v", err)
	}
	if err := CheckSpecials(v, Indices{BOS: 0, EOS: 3, Blank: 0, Unk: 1}); !errors.Is(err, ErrSpecialMismatch) {
		t.Fatalf("expected bos mismatch, got %v", err)
	}
	if err := CheckSpecials(v, Indices{BOS: 2, EOS: 3, Blank: 9, Unk: 1}); !errors.Is(err, ErrSpecialMismatch) {
		t.Fatalf("expected blank range error, got %v", err)
	}
}

func TestLoadVocabFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.vocab")
	body := "<unk>\t0\n▁the\t-1.5\n▁cat\t-2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := Open("", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if tok.VocabSize() != 3 || tok.Specials().Unk != 0 {
		t.Fatalf("unexpected vocab: size=%d specials=%+v", tok.VocabSize(), tok.Specials())
	}
	if got := tok.EncodeAsIDs("the cat"); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("encode: %v", got)
	}
}
