package admission

import "strings"

// Class is the cost class a route is admitted under.
type Class int

const (
	Cheap Class = iota
	Medium
	Heavy
)

func (c Class) String() string {
	switch c {
	case Cheap:
		return "cheap"
	case Medium:
		return "medium"
	case Heavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// Title returns the class name as reported in rejection details.
func (c Class) Title() string {
	s := c.String()
	return strings.ToUpper(s[:1]) + s[1:]
}
