package gen

import "strings"

func writeln(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
	sb.WriteByte('\n')
}

func isVarChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// expand evaluates a ninja command template against vars, the same way ninja
// does for `$name`, `${name}`, `$$`, `$ ` and `$:`. Unknown variables expand
// to nothing.
func expand(template string, vars map[string]string) string {
	var sb strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '$' || i+1 == len(template) {
			sb.WriteByte(c)
			continue
		}

		i++
		switch next := template[i]; {
		case next == '$' || next == ' ' || next == ':':
			sb.WriteByte(next)
		case next == '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				sb.WriteString(template[i-1:])
				return sb.String()
			}
			sb.WriteString(vars[template[i+1:i+end]])
			i += end
		case isVarChar(next):
			j := i
			for j < len(template) && isVarChar(template[j]) {
				j++
			}
			sb.WriteString(vars[template[i:j]])
			i = j - 1
		default:
			sb.WriteByte('$')
			sb.WriteByte(next)
		}
	}
	return sb.String()
}
