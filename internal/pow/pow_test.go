package pow

import (
	"encoding/hex"
	"math"
	"math/big"
	"testing"
)

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		want       string
	}{
		{"one", 1, "00000000ff000000000000000000000000000000000000000000000000000000"},
		{"two", 2, "000000007f800000000000000000000000000000000000000000000000000000"},
		{"fraction", 0.5, "00000001fe000000000000000000000000000000000000000000000000000000"},
		{"zero", 0, "00000000ff000000000000000000000000000000000000000000000000000000"},
		{"negative", -3, "00000000ff000000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetHex(DifficultyToTarget(tt.difficulty)); got != tt.want {
				t.Errorf("DifficultyToTarget(%v) = %s, want %s", tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestDifficultyToTarget_Caps(t *testing.T) {
	got := DifficultyToTarget(1e-30)
	if got.BitLen() > 256 {
		t.Errorf("DifficultyToTarget(tiny).BitLen() = %d, want <= 256", got.BitLen())
	}
	if got := DifficultyToTarget(1e80); got.Sign() <= 0 {
		t.Errorf("DifficultyToTarget(huge) = %v, want positive", got)
	}
}

func TestTargetToDifficulty(t *testing.T) {
	if got := TargetToDifficulty(Diff1); got != 1 {
		t.Errorf("TargetToDifficulty(Diff1) = %v, want 1", got)
	}
	half := new(big.Int).Rsh(Diff1, 1)
	if got := TargetToDifficulty(half); got != 2 {
		t.Errorf("TargetToDifficulty(Diff1/2) = %v, want 2", got)
	}
	if got := TargetToDifficulty(big.NewInt(0)); got != 0 {
		t.Errorf("TargetToDifficulty(0) = %v, want 0", got)
	}
	if got := TargetToDifficulty(nil); got != 0 {
		t.Errorf("TargetToDifficulty(nil) = %v, want 0", got)
	}
}

func TestTargetFromBits(t *testing.T) {
	target, err := TargetFromBits("1d00ffff")
	if err != nil {
		t.Fatalf("TargetFromBits() error = %v", err)
	}
	want := "00000000ffff0000000000000000000000000000000000000000000000000000"
	if got := TargetHex(target); got != want {
		t.Errorf("TargetFromBits() = %s, want %s", got, want)
	}

	d := TargetToDifficulty(target)
	if math.Abs(d-65535.0/65280.0) > 1e-12 {
		t.Errorf("TargetToDifficulty(bits) = %v, want %v", d, 65535.0/65280.0)
	}

	for _, bad := range []string{"", "zz", "1d00ffff00", "00000000"} {
		if _, err := TargetFromBits(bad); err == nil {
			t.Errorf("TargetFromBits(%q) error = nil, want error", bad)
		}
	}
}

func TestTargetFromHex(t *testing.T) {
	got, err := TargetFromHex("0x00000000ff000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("TargetFromHex() error = %v", err)
	}
	if got.Cmp(Diff1) != 0 {
		t.Errorf("TargetFromHex() = %x, want %x", got, Diff1)
	}

	for _, bad := range []string{"", "xyz", "00", "1" + TargetHex(Diff1)} {
		if _, err := TargetFromHex(bad); err == nil {
			t.Errorf("TargetFromHex(%q) error = nil, want error", bad)
		}
	}
}

func TestMeetsTargetAndShareDifficulty(t *testing.T) {
	var digest [32]byte
	copy(digest[:], mustDecode(t, "000000007f800000000000000000000000000000000000000000000000000000"))

	if !MeetsTarget(digest, Diff1) {
		t.Error("MeetsTarget(Diff1/2, Diff1) = false, want true")
	}
	if MeetsTarget(digest, DifficultyToTarget(4)) {
		t.Error("MeetsTarget(Diff1/2, Diff1/4) = true, want false")
	}
	if got := ShareDifficulty(digest); got != 2 {
		t.Errorf("ShareDifficulty() = %v, want 2", got)
	}
}

func TestSeedHash(t *testing.T) {
	tests := []struct {
		height uint64
		want   string
	}{
		{0, "0000000000000000000000000000000000000000000000000000000000000000"},
		{7499, "0000000000000000000000000000000000000000000000000000000000000000"},
		{7500, "290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563"},
		{15000, "510e4e770828ddbf7f7b00ab00a9f6adaf81c0dc9cc85f1f8249c256942d61d9"},
	}

	for _, tt := range tests {
		seed := SeedHash(tt.height)
		if got := hex.EncodeToString(seed[:]); got != tt.want {
			t.Errorf("SeedHash(%d) = %s, want %s", tt.height, got, tt.want)
		}
	}

	if Epoch(3000000) != 400 {
		t.Errorf("Epoch(3000000) = %d, want 400", Epoch(3000000))
	}
}

func TestHasherFunc(t *testing.T) {
	var h Hasher = HasherFunc(func(headerHash, mixHash [32]byte, nonce uint64, height uint32) (Result, error) {
		return Result{MixValid: nonce == 42 && height == 7}, nil
	})
	res, err := h.Verify([32]byte{}, [32]byte{}, 42, 7)
	if err != nil || !res.MixValid {
		t.Errorf("Verify() = %+v, %v, want MixValid", res, err)
	}
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q) error = %v", s, err)
	}
	return b
}
