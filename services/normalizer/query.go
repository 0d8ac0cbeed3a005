package normalizer

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	mberrors "github.com/customeros/mailbridge/internal/errors"
)

const queryDateLayout = "2006-01-02"

// Query is a parsed unified search expression. All terms are combined with AND.
type Query struct {
	From          []string
	To            []string
	Subject       []string
	Text          []string
	Read          *bool
	HasAttachment bool
	After         *time.Time
	Before        *time.Time
}

func (q *Query) IsEmpty() bool {
	return len(q.From) == 0 && len(q.To) == 0 && len(q.Subject) == 0 && len(q.Text) == 0 &&
		q.Read == nil && !q.HasAttachment && q.After == nil && q.Before == nil
}

type queryTerm struct {
	field  string
	value  string
	quoted bool
}

// isQueryOperator reports whether value would be read as search syntax by a
// backend rather than as a word to match.
func isQueryOperator(value string) bool {
	switch value {
	case "OR", "AND", "NOT":
		return true
	}
	return strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") || strings.ContainsAny(value, "(){}")
}

// ParseQuery parses whitespace separated field:value terms and free text.
// Values may be double quoted. Unquoted operators such as OR, a leading minus,
// or parentheses are rejected since the backends read them differently.
func ParseQuery(raw string) (*Query, error) {
	const op = "normalizer.ParseQuery"

	terms, err := tokenizeQuery(raw)
	if err != nil {
		return nil, err
	}

	q := &Query{}
	for _, term := range terms {
		if !term.quoted && isQueryOperator(term.value) {
			return nil, mberrors.Validation(op, "search operator %q is not supported, quote it to match it literally", term.value)
		}
		if term.field == "" {
			q.Text = append(q.Text, term.value)
			continue
		}
		if term.value == "" {
			return nil, mberrors.Validation(op, "empty value for %s:", term.field)
		}
		switch term.field {
		case "from":
			q.From = append(q.From, term.value)
		case "to":
			q.To = append(q.To, term.value)
		case "subject":
			q.Subject = append(q.Subject, term.value)
		case "is":
			var read bool
			switch strings.ToLower(term.value) {
			case "read":
				read = true
			case "unread":
				read = false
			default:
				return nil, mberrors.Validation(op, "unsupported is:%s", term.value)
			}
			if q.Read != nil && *q.Read != read {
				return nil, mberrors.Validation(op, "is:read and is:unread are mutually exclusive")
			}
			q.Read = &read
		case "has":
			if strings.ToLower(term.value) != "attachment" {
				return nil, mberrors.Validation(op, "unsupported has:%s", term.value)
			}
			q.HasAttachment = true
		case "after", "before":
			day, err := time.Parse(queryDateLayout, term.value)
			if err != nil {
				return nil, mberrors.Validation(op, "%s expects YYYY-MM-DD, got %q", term.field, term.value)
			}
			target := &q.After
			if term.field == "before" {
				target = &q.Before
			}
			if *target != nil {
				return nil, mberrors.Validation(op, "%s given more than once", term.field)
			}
			*target = &day
		default:
			return nil, mberrors.Validation(op, "unknown search field %q", term.field)
		}
	}
	if q.After != nil && q.Before != nil && !q.After.Before(*q.Before) {
		return nil, mberrors.Validation(op, "after must be earlier than before")
	}
	return q, nil
}

func tokenizeQuery(raw string) ([]queryTerm, error) {
	var terms []queryTerm
	i := 0
	for i < len(raw) {
		if raw[i] == ' ' || raw[i] == '\t' || raw[i] == '\n' {
			i++
			continue
		}
		var term queryTerm
		start := i
		for i < len(raw) && raw[i] != ' ' && raw[i] != '\t' && raw[i] != '\n' && raw[i] != ':' && raw[i] != '"' {
			i++
		}
		if i < len(raw) && raw[i] == ':' {
			term.field = strings.ToLower(raw[start:i])
			i++
			start = i
		} else {
			i = start
		}
		if i < len(raw) && raw[i] == '"' {
			end := strings.IndexByte(raw[i+1:], '"')
			if end < 0 {
				return nil, mberrors.Validation("normalizer.ParseQuery", "unterminated quote")
			}
			term.value = raw[i+1 : i+1+end]
			term.quoted = true
			i += end + 2
		} else {
			start = i
			for i < len(raw) && raw[i] != ' ' && raw[i] != '\t' && raw[i] != '\n' {
				i++
			}
			term.value = raw[start:i]
		}
		if term.field == "" && term.value == "" {
			continue
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func quoteIfNeeded(value string) string {
	if strings.ContainsAny(value, " \t") || isQueryOperator(value) {
		return `"` + value + `"`
	}
	return value
}

// GmailQuery renders the query in Gmail search syntax.
func (q *Query) GmailQuery() string {
	var parts []string
	for _, v := range q.From {
		parts = append(parts, "from:"+quoteIfNeeded(v))
	}
	for _, v := range q.To {
		parts = append(parts, "to:"+quoteIfNeeded(v))
	}
	for _, v := range q.Subject {
		parts = append(parts, "subject:"+quoteIfNeeded(v))
	}
	if q.Read != nil {
		if *q.Read {
			parts = append(parts, "is:read")
		} else {
			parts = append(parts, "is:unread")
		}
	}
	if q.HasAttachment {
		parts = append(parts, "has:attachment")
	}
	if q.After != nil {
		parts = append(parts, "after:"+q.After.Format("2006/01/02"))
	}
	if q.Before != nil {
		parts = append(parts, "before:"+q.Before.Format("2006/01/02"))
	}
	for _, v := range q.Text {
		parts = append(parts, quoteIfNeeded(v))
	}
	return strings.Join(parts, " ")
}

// GraphParams renders the query as Graph $search or $filter parameters. Graph
// cannot combine the two on messages, so free text and address terms go into a
// KQL $search and everything else must be expressible there too; read state
// has no KQL property and cannot be combined with a search.
func (q *Query) GraphParams() (url.Values, error) {
	params := url.Values{}
	if q.IsEmpty() {
		return params, nil
	}

	needsSearch := len(q.From) > 0 || len(q.To) > 0 || len(q.Subject) > 0 || len(q.Text) > 0
	if !needsSearch {
		var filters []string
		if q.Read != nil {
			filters = append(filters, fmt.Sprintf("isRead eq %t", *q.Read))
		}
		if q.HasAttachment {
			filters = append(filters, "hasAttachments eq true")
		}
		if q.After != nil {
			filters = append(filters, "receivedDateTime ge "+q.After.UTC().Format(time.RFC3339))
		}
		if q.Before != nil {
			filters = append(filters, "receivedDateTime lt "+q.Before.UTC().Format(time.RFC3339))
		}
		params.Set("$filter", strings.Join(filters, " and "))
		return params, nil
	}

	if q.Read != nil {
		return nil, mberrors.Validation("normalizer.GraphParams", "is:read/is:unread cannot be combined with text or address terms on %s", "outlook")
	}

	var kql []string
	for _, v := range q.From {
		kql = append(kql, "from:"+kqlValue(v))
	}
	for _, v := range q.To {
		kql = append(kql, "to:"+kqlValue(v))
	}
	for _, v := range q.Subject {
		kql = append(kql, "subject:"+kqlValue(v))
	}
	if q.HasAttachment {
		kql = append(kql, "hasAttachments:true")
	}
	if q.After != nil {
		kql = append(kql, "received>="+q.After.Format(queryDateLayout))
	}
	if q.Before != nil {
		kql = append(kql, "received<"+q.Before.Format(queryDateLayout))
	}
	for _, v := range q.Text {
		kql = append(kql, kqlValue(v))
	}
	params.Set("$search", `"`+strings.Join(kql, " AND ")+`"`)
	return params, nil
}

// kqlValue escapes a value for use inside the quoted $search expression.
func kqlValue(value string) string {
	value = strings.ReplaceAll(value, `"`, "")
	if strings.ContainsAny(value, " \t") || isQueryOperator(value) {
		return `'` + value + `'`
	}
	return value
}
