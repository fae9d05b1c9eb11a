// Package graph builds the immutable node tree of a workflow document and
// addresses nodes by JSON-pointer positions. Trees are built once per
// (name, version) and shared; they carry no mutable state.
package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Structural position tokens.
const (
	TokenDo       = "do"
	TokenTry      = "try"
	TokenCatch    = "catch"
	TokenFork     = "fork"
	TokenBranches = "branches"
)

// Position addresses one node in the tree as a path of tokens. Positions
// are immutable; Append copies.
type Position struct {
	tokens []string
}

// Root returns the root position "/".
func Root() Position {
	return Position{}
}

// ParsePosition parses the string form produced by String.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return Position{}, fmt.Errorf("empty position")
	}
	if s == "/" {
		return Root(), nil
	}
	if !strings.HasPrefix(s, "/") {
		return Position{}, fmt.Errorf("position %q must start with /", s)
	}
	return Position{tokens: strings.Split(s[1:], "/")}, nil
}

// Append returns the position extended by one token.
func (p Position) Append(token string) Position {
	tokens := make([]string, len(p.tokens)+1)
	copy(tokens, p.tokens)
	tokens[len(p.tokens)] = token
	return Position{tokens: tokens}
}

// AppendIndex returns the position extended by a list index.
func (p Position) AppendIndex(i int) Position {
	return p.Append(strconv.Itoa(i))
}

// Parent returns the position with the last token removed. The root is its
// own parent.
func (p Position) Parent() Position {
	if len(p.tokens) == 0 {
		return p
	}
	return Position{tokens: p.tokens[:len(p.tokens)-1]}
}

// IsRoot reports whether the position is "/".
func (p Position) IsRoot() bool {
	return len(p.tokens) == 0
}

// Depth returns the number of tokens.
func (p Position) Depth() int {
	return len(p.tokens)
}

// String renders the JSON-pointer form: "/" for the root, "/do/0/a" below.
func (p Position) String() string {
	if len(p.tokens) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.tokens, "/")
}

// Equal reports structural equality.
func (p Position) Equal(q Position) bool {
	if len(p.tokens) != len(q.tokens) {
		return false
	}
	for i, t := range p.tokens {
		if q.tokens[i] != t {
			return false
		}
	}
	return true
}

// Contains reports whether q is p itself or a descendant of p.
func (p Position) Contains(q Position) bool {
	if len(q.tokens) < len(p.tokens) {
		return false
	}
	for i, t := range p.tokens {
		if q.tokens[i] != t {
			return false
		}
	}
	return true
}

// UnderToken reports whether q descends from p through the given structural
// token, e.g. whether an error position sits inside a Try node's try block
// rather than its catch block.
func (p Position) UnderToken(q Position, token string) bool {
	if len(q.tokens) <= len(p.tokens) {
		return false
	}
	if !p.Contains(q) {
		return false
	}
	return q.tokens[len(p.tokens)] == token
}
