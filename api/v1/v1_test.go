package v1

import (
	"testing"
)

var recordIDTests = []struct {
	in       string
	expected bool
}{
	{"0f1e2d3c4b5a69788796a5b4c3d2e1f0", true},
	{"9d2c0a27f2a94cf29f38de7a3b8e1b20", true},
	// Upper case
	{"9D2C0A27F2A94CF29F38DE7A3B8E1B20", false},
	// Hyphenated uuid
	{"9d2c0a27-f2a9-4cf2-9f38-de7a3b8e1b20", false},
	// Spaces
	{" 9d2c0a27f2a94cf29f38de7a3b8e1b20", false},
	// Too short
	{"9d2c0a27f2a94cf29f38de7a3b8e1b2", false},
	// Too long
	{"9d2c0a27f2a94cf29f38de7a3b8e1b200", false},
	// Invalid char
	{"9d2c0a27f2a94cf29f38de7a3b8e1b2z", false},
}

var addressTests = []struct {
	in       string
	expected bool
}{
	{"11111111111111111111111111111111", true},
	{"4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", true},
	// Too short
	{"1111111111111111111111111111111", false},
	// Too long
	{"4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4TT", false},
	// Invalid base58 chars
	{"0Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", false},
	{"ONd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", false},
	{"INd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", false},
	{"lNd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", false},
}

func TestRecordIDRegex(t *testing.T) {
	for _, v := range recordIDTests {
		t.Logf("testing %v %v", v.in, v.expected)
		if RegexpRecordID.MatchString(v.in) != v.expected {
			t.Errorf("testing %v %v got %v %v",
				v.in, v.expected, v.in, !v.expected)
		}
	}
}

func TestAddressRegex(t *testing.T) {
	for _, v := range addressTests {
		t.Logf("testing %v %v", v.in, v.expected)
		if RegexpAddress.MatchString(v.in) != v.expected {
			t.Errorf("testing %v %v got %v %v",
				v.in, v.expected, v.in, !v.expected)
		}
	}
}

func TestResultStrings(t *testing.T) {
	for code := ResultOK; code <= ResultInternal; code++ {
		if _, ok := Result[code]; !ok {
			t.Errorf("no string for result %v", code)
		}
	}
}
