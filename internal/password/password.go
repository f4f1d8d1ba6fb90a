// Package password generates database passwords that satisfy fixed
// composition rules.
package password

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/awnumar/memguard"
)

// Character classes. Every generated password contains at least one
// character from each.
const (
	Lowercase = "abcdefghijklmnopqrstuvwxyz"
	Uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Digits    = "0123456789"
	Special   = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	DefaultLength = 32
)

// Generator produces random passwords.
type Generator struct {
	Length  int
	Classes []string

	// Rand is the entropy source. Defaults to crypto/rand.Reader.
	Rand io.Reader
}

// NewGenerator returns a generator with the default length and classes.
func NewGenerator() *Generator {
	return &Generator{
		Length:  DefaultLength,
		Classes: []string{Lowercase, Uppercase, Digits, Special},
	}
}

// Generate returns a password using the default generator.
func Generate() (string, error) {
	return NewGenerator().Generate()
}

// Generate returns a new password. One character is drawn from each class,
// the rest uniformly from the union of all classes, and the result is
// shuffled.
func (g *Generator) Generate() (string, error) {
	if len(g.Classes) == 0 {
		return "", fmt.Errorf("no character classes configured")
	}
	if g.Length < len(g.Classes) {
		return "", fmt.Errorf("length %d cannot hold one character from each of %d classes", g.Length, len(g.Classes))
	}
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}

	var all string
	for _, class := range g.Classes {
		if class == "" {
			return "", fmt.Errorf("empty character class")
		}
		all += class
	}

	// The plaintext is assembled in guarded memory and wiped once copied out.
	buf := memguard.NewBuffer(g.Length)
	defer buf.Destroy()
	pwd := buf.Bytes()

	for i, class := range g.Classes {
		c, err := pick(src, class)
		if err != nil {
			return "", err
		}
		pwd[i] = c
	}
	for i := len(g.Classes); i < g.Length; i++ {
		c, err := pick(src, all)
		if err != nil {
			return "", err
		}
		pwd[i] = c
	}

	for i := g.Length - 1; i > 0; i-- {
		j, err := intn(src, i+1)
		if err != nil {
			return "", err
		}
		pwd[i], pwd[j] = pwd[j], pwd[i]
	}

	return string(pwd), nil
}

func pick(src io.Reader, charset string) (byte, error) {
	i, err := intn(src, len(charset))
	if err != nil {
		return 0, err
	}
	return charset[i], nil
}

func intn(src io.Reader, n int) (int, error) {
	v, err := rand.Int(src, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random data: %w", err)
	}
	return int(v.Int64()), nil
}
