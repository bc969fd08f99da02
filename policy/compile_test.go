package policy

import "testing"

func TestValidateHostname(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"c-abc123", false},
		{"my.host_name-1", false},
		{"..foo", true},
		{".foo", true},
		{"foo/bar", true},
		{"", true},
	}

	for _, c := range cases {
		err := ValidateHostname(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateHostname(%q) error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestTokenizeNvmePattern(t *testing.T) {
	// nvme[0-9]+n[0-9]+p[0-9]+
	tokens, err := Tokenize("nvme[0-9]+n[0-9]+p[0-9]+", false)
	if err != nil {
		t.Fatal(err)
	}

	wantKinds := []TokenKind{TokenLiteral, TokenDigitsPlus, TokenLiteral, TokenDigitsPlus, TokenLiteral, TokenDigitsPlus}
	if len(tokens) != len(wantKinds) {
		t.Fatalf("got %d tokens, want %d: %+v", len(tokens), len(wantKinds), tokens)
	}
	for i, want := range wantKinds {
		if tokens[i].Kind != want {
			t.Errorf("token[%d].Kind = %v, want %v", i, tokens[i].Kind, want)
		}
	}
	if tokens[0].Literal != "nvme" || tokens[2].Literal != "n" || tokens[4].Literal != "p" {
		t.Errorf("unexpected literals: %+v", tokens)
	}
}

func TestTokenizeTooManyTokens(t *testing.T) {
	_, err := Tokenize("a[0-9]b[0-9]c[0-9]d[0-9]e[0-9]f[0-9]g", false)
	if err == nil {
		t.Fatal("expected error for pattern exceeding max tokens")
	}
}

func TestTokenizeLiteralTooLong(t *testing.T) {
	longLiteral := ""
	for i := 0; i < maxLiteralLen+1; i++ {
		longLiteral += "a"
	}
	_, err := Tokenize(longLiteral, false)
	if err == nil {
		t.Fatal("expected error for literal exceeding max length")
	}
}

func TestTokenizeTailWildcardMustBeFinal(t *testing.T) {
	_, err := Tokenize("*abc", false)
	if err == nil {
		t.Fatal("expected error for non-final tail wildcard")
	}
}

func TestCompileNetRuleUnixPathTooLong(t *testing.T) {
	path := ""
	for i := 0; i < maxUnixPathLen+1; i++ {
		path += "x"
	}
	_, err := compileNetRule(NetRule{Variant: NetVariantUnix, UnixPath: path})
	if err == nil {
		t.Fatal("expected error for oversize unix path")
	}
}

func TestCompileNetRuleCreate(t *testing.T) {
	tr, err := compileNetRule(NetRule{Variant: NetVariantCreate, Family: 2, SockType: 1, Proto: 0, Mask: NetCreate})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Map != "net_create" {
		t.Fatalf("Map = %q, want net_create", tr.Map)
	}
}
