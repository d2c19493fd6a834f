// ABOUTME: Extracts inline attachments from share-intent message text
// ABOUTME: An attachment is a filename marker line followed by a fenced code block

package inbox

import (
	"path"
	"regexp"
	"strings"
)

// Attachment is one file carried inline in a message body.
type Attachment struct {
	Filename string
	Content  string
}

// markerPattern matches lines such as
//
//	📎 schema.sql
//	**File:** `schema.sql`
//	Attachment: schema.sql
var markerPattern = regexp.MustCompile("(?i)^\\s*(?:📎|\\*\\*(?:file|attachment):?\\*\\*:?|(?:file|attachment):)\\s*`?([^`\\s]+)`?\\s*$")

// ExtractAttachments finds every marker line whose next non-blank line opens
// a fenced code block, and returns the block contents keyed by filename.
// Unterminated blocks run to the end of the text.
func ExtractAttachments(text string) []Attachment {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var out []Attachment
	for i := 0; i < len(lines); i++ {
		m := markerPattern.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		name := path.Base(m[1])
		if name == "." || name == ".." || name == "/" {
			continue
		}

		j := i + 1
		for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		if j >= len(lines) {
			break
		}
		fence := fenceOf(lines[j])
		if fence == "" {
			continue
		}

		var body []string
		k := j + 1
		for ; k < len(lines); k++ {
			if strings.TrimSpace(lines[k]) == fence {
				break
			}
			body = append(body, lines[k])
		}
		out = append(out, Attachment{Filename: name, Content: strings.Join(body, "\n")})
		i = k
	}
	return out
}

// fenceOf returns the fence (``` or ~~~, possibly longer) opening line, or "".
func fenceOf(line string) string {
	s := strings.TrimSpace(line)
	for _, c := range []byte{'`', '~'} {
		n := 0
		for n < len(s) && s[n] == c {
			n++
		}
		if n >= 3 {
			return s[:n]
		}
	}
	return ""
}
