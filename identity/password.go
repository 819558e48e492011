package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordEncoder hashes and checks passwords. salt is the per-user salt
// stored next to the hash; it may be empty.
type PasswordEncoder interface {
	EncodePassword(raw, salt string) (string, error)
	IsPasswordValid(encoded, raw, salt string) bool
}

// NewPasswordEncoder returns the encoder registered under name.
func NewPasswordEncoder(name string) (PasswordEncoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bcrypt":
		return BcryptEncoder{Cost: bcrypt.DefaultCost}, nil
	case "argon2id":
		return Argon2idEncoder{Params: DefaultArgon2Params}, nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", name)
	}
}

// mergeSalt folds a stored salt into the password as "raw{salt}".
func mergeSalt(raw, salt string) string {
	if salt == "" {
		return raw
	}
	return raw + "{" + salt + "}"
}

// BcryptEncoder stores passwords as bcrypt hashes.
type BcryptEncoder struct {
	Cost int
}

func (e BcryptEncoder) EncodePassword(raw, salt string) (string, error) {
	if raw == "" {
		return "", errors.New("empty password")
	}
	cost := e.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(mergeSalt(raw, salt)), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (e BcryptEncoder) IsPasswordValid(encoded, raw, salt string) bool {
	if encoded == "" || raw == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(mergeSalt(raw, salt))) == nil
}

// Argon2Params tunes argon2id.
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	KeyLen      uint32
}

var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 3, Parallelism: 1, KeyLen: 32}

// Argon2idEncoder stores passwords as PHC strings:
// $argon2id$v=19$m=...,t=...,p=...$<salt>$<key>
type Argon2idEncoder struct {
	Params Argon2Params
}

func (e Argon2idEncoder) EncodePassword(raw, salt string) (string, error) {
	if raw == "" {
		return "", errors.New("empty password")
	}
	p := e.Params
	if p.KeyLen == 0 {
		p = DefaultArgon2Params
	}
	if p.Time == 0 || p.Parallelism == 0 || p.Memory == 0 {
		return "", errors.New("argon2 memory, time and parallelism must be positive")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(mergeSalt(raw, salt)), nonce, p.Time, p.Memory, p.Parallelism, p.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(nonce),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (e Argon2idEncoder) IsPasswordValid(encoded, raw, salt string) bool {
	if raw == "" {
		return false
	}

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return false
	}

	params, err := parseArgon2Params(parts[3])
	if err != nil {
		return false
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(stored) == 0 {
		return false
	}

	key := argon2.IDKey([]byte(mergeSalt(raw, salt)), nonce, params.Time, params.Memory, params.Parallelism, uint32(len(stored)))
	return subtle.ConstantTimeCompare(key, stored) == 1
}

// parseArgon2Params reads the "m=..,t=..,p=.." segment of a PHC string.
// argon2.IDKey panics on zero time or parallelism, so zero values are errors.
func parseArgon2Params(segment string) (Argon2Params, error) {
	fields := strings.Split(segment, ",")
	if len(fields) != 3 {
		return Argon2Params{}, fmt.Errorf("argon2 params: want 3 fields, got %d", len(fields))
	}

	var values [3]uint64
	for i, name := range []string{"m", "t", "p"} {
		key, value, ok := strings.Cut(fields[i], "=")
		if !ok || key != name {
			return Argon2Params{}, fmt.Errorf("argon2 params: expected %s= in %q", name, fields[i])
		}
		bits := 32
		if name == "p" {
			bits = 8
		}
		n, err := strconv.ParseUint(value, 10, bits)
		if err != nil {
			return Argon2Params{}, fmt.Errorf("argon2 params: %s: %w", name, err)
		}
		if n == 0 {
			return Argon2Params{}, fmt.Errorf("argon2 params: %s must be positive", name)
		}
		values[i] = n
	}

	return Argon2Params{
		Memory:      uint32(values[0]),
		Time:        uint32(values[1]),
		Parallelism: uint8(values[2]),
	}, nil
}
