package mailmsg

import "io"

// header is a single name/value pair.
type header struct {
	name  string
	value string
}

// Headers is an ordered sequence of header fields. Insertion order is
// preserved and significant, per spec.md §3.
type Headers struct {
	list []header
}

// AppendHeader always appends a new entry, regardless of whether name
// already exists.
func (h *Headers) AppendHeader(name, value string) {
	if name == "" {
		return
	}
	h.list = append(h.list, header{name, value})
}

// SetHeader replaces all existing entries named name with a single new
// entry appended at the end. Passing an empty value removes all entries
// named name instead (spec.md §3).
func (h *Headers) SetHeader(name, value string) {
	if name == "" {
		return
	}
	h.removeHeader(name)
	if value != "" {
		h.list = append(h.list, header{name, value})
	}
}

func (h *Headers) removeHeader(name string) {
	out := h.list[:0]
	for _, e := range h.list {
		if e.name != name {
			out = append(out, e)
		}
	}
	h.list = out
}

// HasHeader reports whether a header named name exists. This is the
// corrected semantics from spec.md §9 ("must return true iff a header
// with this name exists"), fixing the source's inverted defect.
func (h *Headers) HasHeader(name string) bool {
	for _, e := range h.list {
		if e.name == name {
			return true
		}
	}
	return false
}

// Value returns the first value for name, and whether it was found.
func (h *Headers) Value(name string) (string, bool) {
	for _, e := range h.list {
		if e.name == name {
			return e.value, true
		}
	}
	return "", false
}

// Values returns every value stored for name, in insertion order. Unlike
// the source (spec.md §9), the whole list is always scanned.
func (h *Headers) Values(name string) []string {
	var vs []string
	for _, e := range h.list {
		if e.name == name {
			vs = append(vs, e.value)
		}
	}
	return vs
}

// Len returns the number of header entries, including duplicates.
func (h *Headers) Len() int { return len(h.list) }

// Render writes the "name: value\r\n" form of every entry, in order,
// skipping empty names (already unrepresentable via the setters above,
// kept here as a defensive no-op matching spec.md §3's rendering rule).
// Accepting io.Writer (rather than a concrete *strings.Builder or
// *bytes.Buffer) lets both the render package's *bytes.Buffer headers
// and tests' *strings.Builder share this one method.
func (h *Headers) Render(w io.Writer) {
	for _, e := range h.list {
		if e.name == "" {
			continue
		}
		io.WriteString(w, e.name)
		io.WriteString(w, ": ")
		io.WriteString(w, e.value)
		io.WriteString(w, "\r\n")
	}
}

// clone returns an independent copy, since Message/Headers are treated as
// copy-on-write values (spec.md §9).
func (h Headers) clone() Headers {
	out := Headers{list: make([]header, len(h.list))}
	copy(out.list, h.list)
	return out
}
