package projection

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/secret"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// DefaultRegistry returns the filter set shipped with hermes-go, modelled
// on original_source/plugins/attributes: a regex extractor, a salted
// password hash, a hex/base64 digest family, and the list-splitting
// helpers spec.md §4.1 implies for non-expression mappings.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("regex_search", regexSearch)
	r.Register("hash_sha256", hashWith(sha256.New))
	r.Register("hash_sha512", hashWith(sha512.New))
	r.Register("ldap_password_hash", ldapPasswordHash)
	r.Register("split", splitFilter)
	r.Register("join", joinFilter)
	r.Register("lower", lowerFilter)
	r.Register("upper", upperFilter)
	return r
}

// regexSearch mirrors original_source's RegexSearch filter: returns the
// first capture group if one exists, otherwise the full match; a
// non-match yields Null, never an error, matching the Ansible-derived
// semantics the Python implementation documents.
func regexSearch(in value.Value, args []string) (value.Value, error) {
	s, ok := in.AsString()
	if !ok {
		return value.Value{}, fmt.Errorf("regex_search: input must be a string")
	}
	if len(args) < 1 {
		return value.Value{}, fmt.Errorf("regex_search: missing pattern argument")
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return value.Value{}, fmt.Errorf("regex_search: invalid pattern: %w", err)
	}
	m := re.FindStringSubmatch(s)
	if m == nil {
		return value.Null(), nil
	}
	if len(m) > 1 {
		return value.String(m[1]), nil
	}
	return value.String(m[0]), nil
}

func hashWith(newHash func() hash.Hash) Filter {
	return func(in value.Value, args []string) (value.Value, error) {
		s, ok := in.AsString()
		if !ok {
			return value.Value{}, fmt.Errorf("hash: input must be a string")
		}
		h := newHash()
		h.Write([]byte(s))
		encoding := "hex"
		if len(args) > 0 {
			encoding = args[0]
		}
		sum := h.Sum(nil)
		switch encoding {
		case "hex":
			return value.String(hex.EncodeToString(sum)), nil
		case "base64":
			return value.String(base64.StdEncoding.EncodeToString(sum)), nil
		default:
			return value.Value{}, fmt.Errorf("hash: unknown encoding %q", encoding)
		}
	}
}

// ldapPasswordHash produces a bcrypt digest, evaluated inside memguard's
// protected pages for its working copy of the plaintext so a secret
// attribute never sits unprotected in process memory longer than the one
// filter call needs it (see internal/secret).
func ldapPasswordHash(in value.Value, args []string) (value.Value, error) {
	s, ok := in.AsString()
	if !ok {
		return value.Value{}, fmt.Errorf("ldap_password_hash: input must be a string")
	}
	cost := bcrypt.DefaultCost
	if len(args) > 0 {
		if c, err := strconv.Atoi(args[0]); err == nil {
			cost = c
		}
	}
	digest, err := secret.WithLockedCopy([]byte(s), func(plain []byte) ([]byte, error) {
		return bcrypt.GenerateFromPassword(plain, cost)
	})
	if err != nil {
		return value.Value{}, fmt.Errorf("ldap_password_hash: %w", err)
	}
	return value.String("{BCRYPT}" + string(digest)), nil
}

func splitFilter(in value.Value, args []string) (value.Value, error) {
	s, ok := in.AsString()
	if !ok {
		return value.Value{}, fmt.Errorf("split: input must be a string")
	}
	sep := ","
	if len(args) > 0 {
		sep = args[0]
	}
	parts := strings.Split(s, sep)
	out := make([]value.Value, len(parts))
	for i, p := range parts {
		out[i] = value.String(p)
	}
	return value.List(out...), nil
}

func joinFilter(in value.Value, args []string) (value.Value, error) {
	l, ok := in.AsList()
	if !ok {
		return value.Value{}, fmt.Errorf("join: input must be a list")
	}
	sep := ","
	if len(args) > 0 {
		sep = args[0]
	}
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = v.String()
	}
	return value.String(strings.Join(parts, sep)), nil
}

func lowerFilter(in value.Value, args []string) (value.Value, error) {
	s, ok := in.AsString()
	if !ok {
		return value.Value{}, fmt.Errorf("lower: input must be a string")
	}
	return value.String(strings.ToLower(s)), nil
}

func upperFilter(in value.Value, args []string) (value.Value, error) {
	s, ok := in.AsString()
	if !ok {
		return value.Value{}, fmt.Errorf("upper: input must be a string")
	}
	return value.String(strings.ToUpper(s)), nil
}
