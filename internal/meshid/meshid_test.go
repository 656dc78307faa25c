package meshid

import "testing"

func TestHexWithBang(t *testing.T) {
	cases := []struct {
		nodeID uint32
		want   string
	}{
		{0xcafebabe, "!cafebabe"},
		{0x0c16d864, "!0c16d864"},
		{0, "!00000000"},
		{0xffffffff, "!ffffffff"},
		{1, "!00000001"},
	}
	for _, c := range cases {
		if got := HexWithBang(c.nodeID); got != c.want {
			t.Errorf("HexWithBang(%#x) = %q, want %q", c.nodeID, got, c.want)
		}
	}
}

func TestHexWithoutBang(t *testing.T) {
	if got := HexWithoutBang(0x1a2b3c4d); got != "1a2b3c4d" {
		t.Errorf("HexWithoutBang = %q, want 1a2b3c4d", got)
	}
	if got := HexWithoutBang(7); got != "00000007" {
		t.Errorf("HexWithoutBang = %q, want 00000007", got)
	}
}

func TestColor(t *testing.T) {
	if got := Color(0x1a2b3c4d); got != "2b3c4d" {
		t.Errorf("Color = %q, want 2b3c4d", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, nodeID := range []uint32{0, 1, 0xcafebabe, 0xffffffff, 0x42524447} {
		withBang, err := Parse(HexWithBang(nodeID))
		if err != nil {
			t.Fatalf("Parse(HexWithBang(%#x)): %v", nodeID, err)
		}
		if withBang != nodeID {
			t.Errorf("Parse(HexWithBang(%#x)) = %#x", nodeID, withBang)
		}

		withoutBang, err := Parse(HexWithoutBang(nodeID))
		if err != nil {
			t.Fatalf("Parse(HexWithoutBang(%#x)): %v", nodeID, err)
		}
		if withoutBang != nodeID {
			t.Errorf("Parse(HexWithoutBang(%#x)) = %#x", nodeID, withoutBang)
		}
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "!", "cafeba", "cafebabe00", "!xyzxyzxy", "!cafebab", "0xcafebabe"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}
