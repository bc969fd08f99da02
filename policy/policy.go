// Package policy implements the per-container filesystem and network
// policy data model (spec §3) and the compiler that resolves it
// against a live rootfs into kernel-map-ready triples (spec §4.F).
package policy

import (
	"fmt"
	"os"
	"regexp"
	"syscall"

	"github.com/pkg/errors"
)

// AccessMask is an allow-mask bitset. For file/dir/basename rules the
// bits are {read, write, exec}; for net rules {create, bind, connect,
// listen, accept, send} (spec §3).
type AccessMask uint32

const (
	AccessRead AccessMask = 1 << iota
	AccessWrite
	AccessExec
)

const (
	NetCreate AccessMask = 1 << iota
	NetBind
	NetConnect
	NetListen
	NetAccept
	NetSend
)

// DirFlags modifies a DirectoryRule's reach.
type DirFlags uint32

const (
	DirChildrenOnly DirFlags = 1 << iota
	DirRecursive
)

// FileRule allows access to a single resolved path.
type FileRule struct {
	Path string
	Mask AccessMask
}

// DirectoryRule allows access under a resolved directory.
type DirectoryRule struct {
	Path  string
	Mask  AccessMask
	Flags DirFlags
}

// TokenKind enumerates the basename wildcard grammar (spec §3/§4.F):
// a literal run, a single digit, one-or-more digits, or (final token
// only) a tail wildcard.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenDigit
	TokenDigitsPlus
	TokenTailWildcard
)

// Token is one element of a tokenized basename pattern.
type Token struct {
	Kind    TokenKind
	Literal string // only meaningful for TokenLiteral
}

const (
	maxTokens        = 6
	maxLiteralLen    = 32
	maxBucketSize    = 8
	maxUnixPathLen   = 107 // one byte reserved for the NUL terminator
)

// BasenameRule is one compiled pattern rule, grouped into a bucket of
// up to maxBucketSize rules sharing a parent directory.
type BasenameRule struct {
	Tokens      []Token
	TailWild    bool
	Mask        AccessMask
}

// NetVariant discriminates the three net rule shapes (spec §3).
type NetVariant int

const (
	NetVariantCreate NetVariant = iota
	NetVariantTuple
	NetVariantUnix
)

// NetRule covers the three {create, tuple, unix} variants.
type NetRule struct {
	Variant NetVariant
	Mask    AccessMask

	// create / tuple
	Family   int
	SockType int
	Proto    int

	// tuple only
	Port uint16
	Addr [16]byte

	// unix only
	UnixPath string
}

// Policy is the sum of rule kinds a caller supplies to the compiler.
type Policy struct {
	Files       []FileRule
	Directories []DirectoryRule
	Basenames   []BasenameRuleSet
	Nets        []NetRule
}

// BasenameRuleSet is an uncompiled basename pattern plus its parent
// directory, as supplied by the caller (before tokenization).
type BasenameRuleSet struct {
	ParentDir string
	Pattern   string
	TailWild  bool
	Mask      AccessMask
}

// DevIno identifies a resolved filesystem object, the policy map key
// component for file/dir/basename rules (spec §3 "Policy map key").
type DevIno struct {
	Dev uint64
	Ino uint64
}

// MapKey is the (cgroup_id, dev, ino) triple keying file/dir/basename
// map entries (spec §3).
type MapKey struct {
	CgroupID uint64
	DevIno
}

// CompiledBasenameBucket is the output of tokenizing one parent
// directory's basename rules.
type CompiledBasenameBucket struct {
	Key   MapKey
	Rules []BasenameRule
}

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateHostname enforces spec §4.F step 1: the hostname must match
// [A-Za-z0-9._-]+ and must not begin with a dot (path-traversal
// guard).
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return errors.New("empty hostname")
	}
	if hostname[0] == '.' {
		return errors.Errorf("hostname %q must not begin with a dot", hostname)
	}
	if !hostnameRe.MatchString(hostname) {
		return errors.Errorf("hostname %q contains invalid characters", hostname)
	}
	return nil
}

// ResolveCgroupID fstats /sys/fs/cgroup/<hostname> and returns its
// inode number as the cgroup id (spec §3/§4.F step 1).
func ResolveCgroupID(hostname string) (uint64, error) {
	if err := ValidateHostname(hostname); err != nil {
		return 0, err
	}

	path := "/sys/fs/cgroup/" + hostname
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat cgroup %s", path)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errors.Errorf("failed to read inode for %s", path)
	}

	return st.Ino, nil
}

// ResolveDevIno stats path and returns its (dev, ino) pair (spec
// §4.F step 2).
func ResolveDevIno(path string) (DevIno, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return DevIno{}, err
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return DevIno{}, fmt.Errorf("failed to read dev/ino for %s", path)
	}

	return DevIno{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}
