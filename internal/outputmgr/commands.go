package outputmgr

import "strings"

// Command is one parsed workflow command: `::<verb>[ k=v,...]::<message>`.
type Command struct {
	Verb       string
	Properties map[string]string
	Message    string
}

// ParseCommand attempts to parse line as a workflow command. It returns
// ok=false for any line that doesn't match the `::verb[...]::message`
// grammar, in which case the line is ordinary output.
func ParseCommand(line string) (Command, bool) {
	if !strings.HasPrefix(line, "::") {
		return Command{}, false
	}
	rest := line[2:]

	idx := strings.Index(rest, "::")
	if idx < 0 {
		return Command{}, false
	}
	header := rest[:idx]
	message := decode(rest[idx+2:])

	verb := header
	propsPart := ""
	if sp := strings.IndexByte(header, ' '); sp >= 0 {
		verb = header[:sp]
		propsPart = header[sp+1:]
	}
	if verb == "" {
		return Command{}, false
	}

	props := map[string]string{}
	if propsPart != "" {
		for _, kv := range strings.Split(propsPart, ",") {
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				continue
			}
			k := kv[:eq]
			v := decode(kv[eq+1:])
			props[k] = v
		}
	}

	return Command{Verb: verb, Properties: props, Message: message}, true
}

// decode reverses the percent-encoding workflow commands use for the
// reserved characters %, \r, \n, , and : inside a value or message.
func decode(s string) string {
	replacer := strings.NewReplacer(
		"%25", "%",
		"%0D", "\r",
		"%0A", "\n",
		"%3A", ":",
		"%2C", ",",
	)
	return replacer.Replace(s)
}

// Encode applies the inverse transform a Handler would use to emit a
// command safely; exposed for tests and for any helper binary that needs
// to produce workflow command lines.
func Encode(s string) string {
	replacer := strings.NewReplacer(
		"%", "%25",
		"\r", "%0D",
		"\n", "%0A",
	)
	return replacer.Replace(s)
}
