package pipeline

import (
	"fmt"
	"strings"
)

// FormatCommand fills the {name} placeholders of the command template with
// the step configuration. "{{" and "}}" produce literal braces.
func (s Step) FormatCommand() (string, error) {
	return formatTemplate(s.Command, s.Config)
}

func formatTemplate(tmpl string, values map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at offset %d", ErrInvalidTemplate, i)
			}
			name := tmpl[i+1 : i+1+end]
			if strings.ContainsRune(name, '{') {
				return "", fmt.Errorf("%w: nested '{' at offset %d", ErrInvalidTemplate, i)
			}
			v, ok := values[name]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrMissingPlaceholder, name)
			}
			b.WriteString(ValueText(v))
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", ErrInvalidTemplate, i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
