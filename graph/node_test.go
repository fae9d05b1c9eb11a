package graph

import (
	"testing"

	"github.com/flowd-io/flowd/dsl"
)

const nestedDoc = `
document:
  dsl: "1.0.0"
  namespace: test
  name: nested
  version: "1.0.0"
do:
  - first:
      set:
        v: 1
  - guarded:
      try:
        - inner:
            raise:
              error:
                type: https://example.com/oops
                status: 500
      catch:
        errors:
          with:
            status: 500
        do:
          - recover:
              set:
                caught: true
  - branched:
      fork:
        branches:
          - left:
              set:
                side: left
          - right:
              set:
                side: right
`

func buildTestTree(t *testing.T) *Tree {
	t.Helper()
	wf, err := dsl.Parse([]byte(nestedDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tree, err := Build(wf)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return tree
}

func TestPositionString(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
		want string
	}{
		{"root", Root(), "/"},
		{"task", Root().Append(TokenDo).AppendIndex(0).Append("a"), "/do/0/a"},
		{"try child", Root().Append(TokenDo).AppendIndex(1).Append("t").Append(TokenTry).AppendIndex(0).Append("x"), "/do/1/t/try/0/x"},
		{"catch child", Root().Append(TokenDo).AppendIndex(1).Append("t").Append(TokenCatch).Append(TokenDo).AppendIndex(0).Append("r"), "/do/1/t/catch/do/0/r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			parsed, err := ParsePosition(tt.want)
			if err != nil {
				t.Fatalf("ParsePosition(%q) error = %v", tt.want, err)
			}
			if !parsed.Equal(tt.pos) {
				t.Errorf("ParsePosition(%q) != original", tt.want)
			}
		})
	}
}

func TestPositionContains(t *testing.T) {
	tryPos := Root().Append(TokenDo).AppendIndex(1).Append("guarded")
	inner := tryPos.Append(TokenTry).AppendIndex(0).Append("inner")
	catchChild := tryPos.Append(TokenCatch).Append(TokenDo).AppendIndex(0).Append("recover")

	if !tryPos.Contains(inner) {
		t.Error("try position should contain its try-block child")
	}
	if !tryPos.UnderToken(inner, TokenTry) {
		t.Error("inner should sit under the try token")
	}
	if tryPos.UnderToken(catchChild, TokenTry) {
		t.Error("catch child must not register as inside the try block")
	}
	if inner.Contains(tryPos) {
		t.Error("child must not contain its ancestor")
	}
}

func TestBuildTree(t *testing.T) {
	tree := buildTestTree(t)

	if len(tree.Root.Children) != 3 {
		t.Fatalf("root children = %d, want 3", len(tree.Root.Children))
	}

	inner, err := tree.NodeAtString("/do/1/guarded/try/0/inner")
	if err != nil {
		t.Fatalf("NodeAtString() error = %v", err)
	}
	if inner.Kind != dsl.KindRaise {
		t.Errorf("inner kind = %q, want raise", inner.Kind)
	}
	if inner.Parent.Name != "guarded" {
		t.Errorf("inner parent = %q, want guarded", inner.Parent.Name)
	}

	handler, err := tree.NodeAtString("/do/1/guarded/catch/do/0/recover")
	if err != nil {
		t.Fatalf("NodeAtString() error = %v", err)
	}
	if !handler.InCatch {
		t.Error("recover should be marked as a catch child")
	}
	if len(handler.Parent.CatchChildren) != 1 {
		t.Errorf("catch children = %d, want 1", len(handler.Parent.CatchChildren))
	}

	left, err := tree.NodeAtString("/do/2/branched/fork/branches/0/left")
	if err != nil {
		t.Fatalf("NodeAtString() error = %v", err)
	}
	if left.NextSibling() == nil || left.NextSibling().Name != "right" {
		t.Errorf("left.NextSibling() = %v, want right", left.NextSibling())
	}
}

func TestSiblingNavigation(t *testing.T) {
	tree := buildTestTree(t)

	first := tree.Root.ChildNamed("first")
	if first == nil {
		t.Fatal("ChildNamed(first) = nil")
	}
	if got := first.NextSibling(); got == nil || got.Name != "guarded" {
		t.Errorf("NextSibling() = %v, want guarded", got)
	}
	if got := first.SiblingNamed("branched"); got == nil || got.GroupIndex != 2 {
		t.Errorf("SiblingNamed(branched) = %v", got)
	}
	last := tree.Root.ChildNamed("branched")
	if got := last.NextSibling(); got != nil {
		t.Errorf("last NextSibling() = %v, want nil", got)
	}
}

func TestCacheSharesTrees(t *testing.T) {
	wf, err := dsl.Parse([]byte(nestedDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cache := NewCache()
	a, err := cache.Get(wf)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	b, _ := cache.Get(wf)
	if a != b {
		t.Error("cache returned distinct trees for the same document")
	}
	cache.Invalidate(wf.Document.Name, wf.Document.Version)
	c, _ := cache.Get(wf)
	if a == c {
		t.Error("invalidated tree was still served")
	}
}
