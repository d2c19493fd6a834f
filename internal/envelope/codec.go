// ABOUTME: Wire codec embedding a HIAMP envelope in human-readable chat/issue text
// ABOUTME: Compose renders header, body and a trailing key: value | block; Parse reverses it

package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Wire keys in emission order.
const (
	keyVersion  = "hq-msg"
	keyID       = "id"
	keyFrom     = "from"
	keyTo       = "to"
	keyIntent   = "intent"
	keyThread   = "thread"
	keyPriority = "priority"
	keyAck      = "ack"
	keyRef      = "ref"
	keyReplyTo  = "reply-to"
	keyExpires  = "expires"
	keyAttach   = "attach"
	keyToken    = "token"
)

// SummaryLabel is the fixed label of the foldable wrapper.
const SummaryLabel = "HIAMP envelope"

const (
	fieldSeparator = " | "
	ruleLine       = "---"
	arrow          = " → "
)

var knownKeys = map[string]bool{
	keyVersion: true, keyID: true, keyFrom: true, keyTo: true, keyIntent: true,
	keyThread: true, keyPriority: true, keyAck: true, keyRef: true,
	keyReplyTo: true, keyExpires: true, keyAttach: true, keyToken: true,
}

var requiredKeys = []string{keyVersion, keyID, keyFrom, keyTo, keyIntent}

var (
	// ErrNoEnvelope means the text carries no metadata block.
	ErrNoEnvelope = errors.New("no envelope metadata block found")

	// ErrMissingField means a metadata block lacks a required key.
	ErrMissingField = errors.New("envelope missing required field")
)

var headerPattern = regexp.MustCompile(`^\*{0,2}[a-z0-9-]+/[a-z0-9-]+\*{0,2}` + arrow + `\*{0,2}[a-z0-9-]+/[a-z0-9-]+\*{0,2}$`)

// ComposeInput is what a sender supplies. ID is generated when empty.
type ComposeInput struct {
	ID       string
	From     string
	To       string
	Intent   Intent
	Body     string
	Thread   string
	Priority Priority
	Ack      Ack
	Ref      string
	ReplyTo  string
	Expires  string
	Attach   []string
	Token    string
}

// Option adjusts rendering.
type Option func(*renderOptions)

type renderOptions struct {
	fold bool
}

// Folded wraps the metadata block in a collapsible details element.
func Folded(fold bool) Option {
	return func(o *renderOptions) { o.fold = fold }
}

// Compose builds an immutable Message from in and renders its wire text.
func Compose(in ComposeInput, opts ...Option) (Message, string) {
	id := in.ID
	if id == "" {
		id = NewMessageID()
	}
	var attach []string
	if len(in.Attach) > 0 {
		attach = append([]string(nil), in.Attach...)
	}
	m := Message{
		Version:  ProtocolVersion,
		ID:       id,
		From:     in.From,
		To:       in.To,
		Intent:   in.Intent,
		Body:     in.Body,
		Thread:   in.Thread,
		Priority: in.Priority,
		Ack:      in.Ack,
		Ref:      in.Ref,
		ReplyTo:  in.ReplyTo,
		Expires:  in.Expires,
		Attach:   attach,
		Token:    in.Token,
	}
	return m, Render(m, opts...)
}

// Render produces the wire text for m.
func Render(m Message, opts ...Option) string {
	var o renderOptions
	for _, opt := range opts {
		opt(&o)
	}

	var b strings.Builder
	b.WriteString(m.From)
	b.WriteString(arrow)
	b.WriteString(m.To)
	b.WriteString("\n\n")
	b.WriteString(m.Body)
	b.WriteString("\n\n")

	if o.fold {
		b.WriteString("<details>\n<summary>")
		b.WriteString(SummaryLabel)
		b.WriteString("</summary>\n\n")
	}
	b.WriteString(ruleLine)
	b.WriteString("\n")
	b.WriteString(metadataLine(m))
	if o.fold {
		b.WriteString("\n</details>")
	}
	return b.String()
}

func metadataLine(m Message) string {
	version := m.Version
	if version == "" {
		version = ProtocolVersion
	}
	fields := []string{
		field(keyVersion, version),
		field(keyID, m.ID),
		field(keyFrom, m.From),
		field(keyTo, m.To),
		field(keyIntent, string(m.Intent)),
	}
	optional := []struct{ key, value string }{
		{keyThread, m.Thread},
		{keyPriority, string(m.Priority)},
		{keyAck, string(m.Ack)},
		{keyRef, m.Ref},
		{keyReplyTo, m.ReplyTo},
		{keyExpires, m.Expires},
		{keyAttach, joinList(m.Attach)},
		{keyToken, m.Token},
	}
	for _, f := range optional {
		if f.value != "" {
			fields = append(fields, field(f.key, f.value))
		}
	}

	extras := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		if !knownKeys[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fields = append(fields, field(k, m.Extra[k]))
	}
	return strings.Join(fields, fieldSeparator)
}

func field(key, value string) string {
	return key + ": " + escapeValue(value)
}

var (
	valueEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, "\n", `\n`, "\r", `\r`)
	listEscaper  = strings.NewReplacer(`\`, `\\`, `,`, `\,`)
)

func escapeValue(s string) string {
	return protectEdges(valueEscaper.Replace(s))
}

// protectEdges escapes leading and trailing blanks so the parser can trim
// separator padding without touching the value.
func protectEdges(s string) string {
	trimmed := strings.TrimLeft(s, " \t")
	lead := s[:len(s)-len(trimmed)]
	core := strings.TrimRight(trimmed, " \t")
	trail := trimmed[len(core):]
	if lead == "" && trail == "" {
		return s
	}
	return escapeBlanks(lead) + core + escapeBlanks(trail)
}

func escapeBlanks(s string) string {
	return strings.NewReplacer(" ", `\s`, "\t", `\t`).Replace(s)
}

// joinList renders attachment names with commas escaped.
func joinList(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = protectEdges(listEscaper.Replace(n))
	}
	return strings.Join(parts, ",")
}

// splitList splits on unescaped commas and unescapes each name.
func splitList(s string) []string {
	var (
		names   []string
		cur     strings.Builder
		escaped bool
	)
	flush := func() {
		if name := unescapeValue(strings.TrimSpace(cur.String())); name != "" {
			names = append(names, name)
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == ',':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return names
}

// Parse locates the metadata block in raw and reconstructs the Message.
// Both the folded details form and bare trailing lines are recognised.
func Parse(raw string) (Message, error) {
	lines := strings.Split(raw, "\n")

	metaIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), keyVersion+":") {
			metaIdx = i
			break
		}
	}
	if metaIdx < 0 {
		return Message{}, ErrNoEnvelope
	}

	var metaParts []string
	folded := false
	for _, line := range lines[metaIdx:] {
		trimmed := strings.TrimSpace(line)
		if isDetailsClose(trimmed) {
			folded = true
			continue
		}
		if trimmed == "" {
			continue
		}
		metaParts = append(metaParts, trimmed)
	}
	fields := parseFields(strings.Join(metaParts, fieldSeparator))

	for _, key := range requiredKeys {
		if fields[key] == "" {
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, key)
		}
	}

	m := Message{
		Version:  fields[keyVersion],
		ID:       fields[keyID],
		From:     fields[keyFrom],
		To:       fields[keyTo],
		Intent:   Intent(fields[keyIntent]),
		Thread:   fields[keyThread],
		Priority: Priority(fields[keyPriority]),
		Ack:      Ack(fields[keyAck]),
		Ref:      fields[keyRef],
		ReplyTo:  fields[keyReplyTo],
		Expires:  fields[keyExpires],
		Token:    fields[keyToken],
	}
	if attach := fields[keyAttach]; attach != "" {
		m.Attach = splitList(attach)
	}
	for k, v := range fields {
		if !knownKeys[k] {
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = v
		}
	}

	start := blockStart(lines, metaIdx, folded)
	offset := 0
	for _, line := range lines[:start] {
		offset += len(line) + 1
	}
	if offset > len(raw) {
		offset = len(raw)
	}
	m.Body = extractBody(raw[:offset], m.From, m.To)
	return m, nil
}

// blockStart walks back from the metadata line over the rule and, when the
// block is closed by </details>, over the labelled details/summary wrapper.
// It returns the first line index of the block.
func blockStart(lines []string, metaIdx int, folded bool) int {
	start := metaIdx
	i := prevNonBlank(lines, metaIdx-1)
	if i < 0 || !isRule(strings.TrimSpace(lines[i])) {
		return start
	}
	start = i

	if !folded {
		return start
	}
	i = prevNonBlank(lines, i-1)
	if i < 0 {
		return start
	}
	prev := strings.TrimSpace(lines[i])
	switch {
	case isDetailsOpen(prev):
		if _, summary, ok := strings.Cut(prev, ">"); ok && isSummary(strings.TrimSpace(summary)) {
			return i
		}
	case isSummary(prev):
		j := prevNonBlank(lines, i-1)
		if j >= 0 && isDetailsOpen(strings.TrimSpace(lines[j])) {
			return j
		}
	}
	return start
}

func prevNonBlank(lines []string, i int) int {
	for ; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}

func isRule(s string) bool {
	if len(s) < 3 {
		return false
	}
	switch {
	case strings.Trim(s, "-") == "", strings.Trim(s, "*") == "", strings.Trim(s, "_") == "", strings.Trim(s, "─") == "":
		return true
	}
	return false
}

func isDetailsOpen(s string) bool  { return strings.HasPrefix(strings.ToLower(s), "<details") }
func isDetailsClose(s string) bool { return strings.EqualFold(s, "</details>") }

// isSummary matches the wrapper's own summary line, not any summary element.
func isSummary(s string) bool {
	return strings.EqualFold(s, "<summary>"+SummaryLabel+"</summary>")
}

// extractBody removes the rendered header line and the separators Render
// places around the body.
func extractBody(prefix, from, to string) string {
	if strings.HasSuffix(prefix, "\n\n") {
		prefix = strings.TrimSuffix(prefix, "\n\n")
	} else {
		prefix = strings.TrimRight(prefix, "\r\n")
	}

	first, rest, hasRest := strings.Cut(prefix, "\n")
	if !isHeader(strings.TrimSpace(first), from, to) {
		return prefix
	}
	if !hasRest {
		return ""
	}
	if strings.HasPrefix(rest, "\r\n") {
		return rest[2:]
	}
	return strings.TrimPrefix(rest, "\n")
}

func isHeader(line, from, to string) bool {
	if line == from+arrow+to || line == "**"+from+"**"+arrow+"**"+to+"**" {
		return true
	}
	return headerPattern.MatchString(line)
}

// parseFields splits on unescaped pipes and unescapes each value.
func parseFields(s string) map[string]string {
	fields := make(map[string]string)
	var cur strings.Builder
	flush := func() {
		part := strings.TrimSpace(cur.String())
		cur.Reset()
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		fields[key] = unescapeValue(strings.TrimSpace(value))
	}

	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune('\\')
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	flush()
	return fields
}

func unescapeValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			switch r {
			case 'n':
				b.WriteRune('\n')
			case 'r':
				b.WriteRune('\r')
			case 's':
				b.WriteRune(' ')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	if escaped {
		b.WriteRune('\\')
	}
	return b.String()
}
