package policy

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Triple is one (map, key, value) output of the compiler, destined
// for the policy map manager's BPF_MAP_UPDATE_ELEM call (spec §4.F).
type Triple struct {
	Map   string
	Key   interface{}
	Value interface{}
}

// Compiler resolves a Policy against a rootfs into Triples (spec
// §4.F). It is stateless; callers create one per populate_policy
// call.
type Compiler struct {
	RootfsPath string
	Hostname   string
}

// Compile runs the five-step algorithm from spec §4.F and returns the
// triples in insertion order.
func (c *Compiler) Compile(p Policy) ([]Triple, error) {
	cgroupID, err := ResolveCgroupID(c.Hostname)
	if err != nil {
		return nil, errors.Wrap(err, "InvalidArgument")
	}

	var triples []Triple

	for _, rule := range p.Files {
		t, ok, err := c.compileFileRule(cgroupID, rule)
		if err != nil {
			return nil, err
		}
		if ok {
			triples = append(triples, t)
		}
	}

	for _, rule := range p.Directories {
		t, ok, err := c.compileDirRule(cgroupID, rule)
		if err != nil {
			return nil, err
		}
		if ok {
			triples = append(triples, t)
		}
	}

	basenameTriples, err := c.compileBasenameRules(cgroupID, p.Basenames)
	if err != nil {
		return nil, err
	}
	triples = append(triples, basenameTriples...)

	for _, rule := range p.Nets {
		t, err := compileNetRule(rule)
		if err != nil {
			return nil, err
		}
		triples = append(triples, t)
	}

	return triples, nil
}

// resolvePath prepends the rootfs path when rule paths are relative
// to the container (spec §4.F step 2).
func (c *Compiler) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.RootfsPath, p)
}

func (c *Compiler) compileFileRule(cgroupID uint64, rule FileRule) (Triple, bool, error) {
	di, err := ResolveDevIno(c.resolvePath(rule.Path))
	if err != nil {
		logrus.WithField("subsystem", "policy").Warnf("skipping file rule %s: %v", rule.Path, err)
		return Triple{}, false, nil
	}

	return Triple{
		Map:   "policy",
		Key:   MapKey{CgroupID: cgroupID, DevIno: di},
		Value: uint32(rule.Mask),
	}, true, nil
}

func (c *Compiler) compileDirRule(cgroupID uint64, rule DirectoryRule) (Triple, bool, error) {
	di, err := ResolveDevIno(c.resolvePath(rule.Path))
	if err != nil {
		logrus.WithField("subsystem", "policy").Warnf("skipping directory rule %s: %v", rule.Path, err)
		return Triple{}, false, nil
	}

	type dirValue struct {
		Mask  uint32
		Flags uint32
	}

	return Triple{
		Map:   "dir_policy",
		Key:   MapKey{CgroupID: cgroupID, DevIno: di},
		Value: dirValue{Mask: uint32(rule.Mask), Flags: uint32(rule.Flags)},
	}, true, nil
}

// compileBasenameRules groups the caller's uncompiled rule sets by
// resolved parent (dev, ino), tokenizes each pattern, and packs up to
// maxBucketSize rules per bucket (spec §4.F step 3).
func (c *Compiler) compileBasenameRules(cgroupID uint64, sets []BasenameRuleSet) ([]Triple, error) {
	buckets := make(map[DevIno]*CompiledBasenameBucket)
	var order []DevIno

	for _, set := range sets {
		di, err := ResolveDevIno(c.resolvePath(set.ParentDir))
		if err != nil {
			logrus.WithField("subsystem", "policy").Warnf("skipping basename rule under %s: %v", set.ParentDir, err)
			continue
		}

		tokens, err := Tokenize(set.Pattern, set.TailWild)
		if err != nil {
			return nil, errors.Wrapf(err, "PolicyCompile: basename pattern %q", set.Pattern)
		}

		bucket, ok := buckets[di]
		if !ok {
			bucket = &CompiledBasenameBucket{Key: MapKey{CgroupID: cgroupID, DevIno: di}}
			buckets[di] = bucket
			order = append(order, di)
		}

		if len(bucket.Rules) >= maxBucketSize {
			return nil, errors.Errorf("Exhausted: basename bucket for %+v exceeds %d rules", di, maxBucketSize)
		}

		bucket.Rules = append(bucket.Rules, BasenameRule{
			Tokens:   tokens,
			TailWild: set.TailWild,
			Mask:     set.Mask,
		})
	}

	var triples []Triple
	for _, di := range order {
		b := buckets[di]
		triples = append(triples, Triple{
			Map:   "basename_policy",
			Key:   b.Key,
			Value: b.Rules,
		})
	}

	return triples, nil
}

// Tokenize parses a basename pattern against the grammar
// {literal-char | '?' | '[0-9]' | '[0-9]+' | '*' (final only)} into
// at most maxTokens tokens, each literal run at most maxLiteralLen
// characters (spec §3/§4.F step 3).
func Tokenize(pattern string, tailWild bool) ([]Token, error) {
	var tokens []Token
	var literal strings.Builder

	flushLiteral := func() error {
		if literal.Len() == 0 {
			return nil
		}
		if literal.Len() > maxLiteralLen {
			return errors.Errorf("literal %q exceeds %d characters", literal.String(), maxLiteralLen)
		}
		tokens = append(tokens, Token{Kind: TokenLiteral, Literal: literal.String()})
		literal.Reset()
		return nil
	}

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		switch {
		case ch == '?':
			if err := flushLiteral(); err != nil {
				return nil, err
			}
			literal.WriteRune('?')

		case ch == '*':
			if i != len(runes)-1 {
				return nil, errors.New("'*' wildcard is only valid as the final token")
			}
			if err := flushLiteral(); err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: TokenTailWildcard})

		case ch == '[' && matchDigitClass(runes[i:]) > 0:
			n := matchDigitClass(runes[i:])
			if err := flushLiteral(); err != nil {
				return nil, err
			}
			if strings.HasPrefix(string(runes[i:i+n]), "[0-9]+") {
				tokens = append(tokens, Token{Kind: TokenDigitsPlus})
			} else {
				tokens = append(tokens, Token{Kind: TokenDigit})
			}
			i += n - 1

		default:
			literal.WriteRune(ch)
		}

		if len(tokens) > maxTokens {
			return nil, errors.Errorf("Exhausted: pattern %q exceeds %d tokens", pattern, maxTokens)
		}
	}

	if err := flushLiteral(); err != nil {
		return nil, err
	}

	if len(tokens) > maxTokens {
		return nil, errors.Errorf("Exhausted: pattern %q exceeds %d tokens", pattern, maxTokens)
	}

	return tokens, nil
}

// matchDigitClass returns the byte length of a "[0-9]" or "[0-9]+"
// prefix in s, or 0 if s does not start with one.
func matchDigitClass(s []rune) int {
	const cls = "[0-9]"
	if len(s) < len(cls) || string(s[:len(cls)]) != cls {
		return 0
	}
	if len(s) > len(cls) && s[len(cls)] == '+' {
		return len(cls) + 1
	}
	return len(cls)
}

func compileNetRule(rule NetRule) (Triple, error) {
	switch rule.Variant {
	case NetVariantCreate:
		type key struct {
			Family, SockType, Proto int
		}
		return Triple{
			Map:   "net_create",
			Key:   key{rule.Family, rule.SockType, rule.Proto},
			Value: uint32(rule.Mask),
		}, nil

	case NetVariantTuple:
		type key struct {
			Family, SockType, Proto int
			Port                    uint16
			Addr                    [16]byte
		}
		return Triple{
			Map:   "net_tuple",
			Key:   key{rule.Family, rule.SockType, rule.Proto, rule.Port, rule.Addr},
			Value: uint32(rule.Mask),
		}, nil

	case NetVariantUnix:
		if len(rule.UnixPath) > maxUnixPathLen {
			return Triple{}, errors.Errorf("Exhausted: unix path %q exceeds %d characters", rule.UnixPath, maxUnixPathLen)
		}
		type key struct {
			SockType int
			Proto    int
			Path     string
		}
		return Triple{
			Map:   "net_unix",
			Key:   key{rule.SockType, rule.Proto, rule.UnixPath},
			Value: uint32(rule.Mask),
		}, nil
	}

	return Triple{}, errors.New("unknown net rule variant")
}
