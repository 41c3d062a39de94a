package scanners

import (
	"fmt"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Kind tags a parse attempt.
type Kind int

const (
	KindOk Kind = iota
	KindParseError
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindParseError:
		return "parse_error"
	default:
		return "empty"
	}
}

// Outcome is the result of one parse attempt: Ok with items, ParseError, or Empty.
type Outcome[T any] struct {
	Kind  Kind
	Items []T
	Err   error
	// Mode records which parser produced Items ("json", "xml", "text:<matcher>").
	Mode string
}

// Ok wraps items; zero items collapses to Empty.
func Ok[T any](mode string, items []T) Outcome[T] {
	if len(items) == 0 {
		return Empty[T]()
	}
	return Outcome[T]{Kind: KindOk, Items: items, Mode: mode}
}

// Clean is an Ok outcome that legitimately holds no items, e.g. a
// well-formed report of an image without packages.
func Clean[T any](mode string) Outcome[T] {
	return Outcome[T]{Kind: KindOk, Mode: mode}
}

// ParseError records a failed structured parse.
func ParseError[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindParseError, Err: err}
}

// Empty means the parse succeeded but found no entities.
func Empty[T any]() Outcome[T] {
	return Outcome[T]{Kind: KindEmpty}
}

// AsError converts a non-Ok outcome into the matching sentinel.
func (o Outcome[T]) AsError() error {
	switch o.Kind {
	case KindOk:
		return nil
	case KindParseError:
		return fmt.Errorf("%w: %v", domain.ErrOutputParseFailed, o.Err)
	default:
		return domain.ErrOutputEmpty
	}
}

// Matcher is one text fallback, tried over the raw captured output.
type Matcher[T any] struct {
	Name  string
	Match func(text string) []T
}

// Resolve returns structured when it is Ok, otherwise the first matcher that
// yields at least one item. When nothing matches the structured outcome is
// returned unchanged so the caller still sees why parsing failed.
func Resolve[T any](structured Outcome[T], text string, fallbacks ...Matcher[T]) Outcome[T] {
	if structured.Kind == KindOk {
		return structured
	}
	for _, m := range fallbacks {
		if items := m.Match(text); len(items) > 0 {
			return Outcome[T]{Kind: KindOk, Items: items, Mode: "text:" + m.Name}
		}
	}
	return structured
}
