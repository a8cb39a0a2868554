package tree

import (
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
)

// Objects records which nodes of a converted tree were text or counter objects.
// Map flattens those into strings and int64s, so writing the plain value back
// would silently change the kind of the node.
type Objects map[string]automerge.Kind

// Kind returns the object kind found at p, or KindVoid for plain values.
func (o Objects) Kind(p Path) automerge.Kind {
	if k, ok := o[encode(p)]; ok {
		return k
	}
	return automerge.KindVoid
}

// Sub returns the entries below p, addressed relative to p.
func (o Objects) Sub(p Path) Objects {
	prefix := encode(p)
	var out Objects
	for at, k := range o {
		if rest, ok := strings.CutPrefix(at, prefix); ok {
			if out == nil {
				out = Objects{}
			}
			out[rest] = k
		}
	}
	return out
}

// Restore rebuilds v so that the nodes recorded in o are written as fresh text
// and counter objects again. The result must be written once.
func (o Objects) Restore(v any) any {
	if len(o) == 0 {
		return v
	}
	return o.restore("", v)
}

func (o Objects) restore(at string, v any) any {
	switch o[at] {
	case automerge.KindText:
		if s, ok := v.(string); ok {
			return automerge.NewText(s)
		}
	case automerge.KindCounter:
		if n, ok := v.(int64); ok {
			return automerge.NewCounter(n)
		}
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = o.restore(at+keyElem(k), e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = o.restore(at+indexElem(i), e)
		}
		return out
	}
	return v
}

// keys and indices encode differently so no element is a prefix of another
func keyElem(k string) string {
	return "/" + strconv.Quote(k)
}

func indexElem(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

func encode(p Path) string {
	var b strings.Builder
	for _, el := range p {
		switch v := el.(type) {
		case string:
			b.WriteString(keyElem(v))
		case int:
			b.WriteString(indexElem(v))
		}
	}
	return b.String()
}
