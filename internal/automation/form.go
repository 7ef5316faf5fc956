// ABOUTME: Parser for the plain-text ticket form users send in chat
// ABOUTME: Reads Subject, Priority and Problem lines case-insensitively

package automation

import (
	"strings"

	"github.com/2389/relay-gateway/internal/store"
)

// TicketForm is the parsed content of a ticket submission.
type TicketForm struct {
	Subject  string
	Priority store.TicketPriority
	Problem  string
}

// ParseTicketForm extracts the form fields from text. Missing fields get
// defaults: a generic subject, medium priority, and the whole text as the
// problem. Lines after Problem: that are not another field continue it.
func ParseTicketForm(text string) TicketForm {
	form := TicketForm{
		Subject:  defaultSubject,
		Priority: store.PriorityMedium,
		Problem:  strings.TrimSpace(text),
	}

	var problem []string
	inProblem := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, hasColon := strings.Cut(line, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch {
		case hasColon && key == "subject":
			inProblem = false
			if value != "" {
				form.Subject = value
			}
		case hasColon && key == "priority":
			inProblem = false
			if p := store.TicketPriority(strings.ToLower(value)); p.Valid() {
				form.Priority = p
			}
		case hasColon && key == "problem":
			inProblem = true
			problem = []string{value}
		case inProblem:
			problem = append(problem, line)
		}
	}

	if p := strings.TrimSpace(strings.Join(problem, "\n")); p != "" {
		form.Problem = p
	}
	return form
}
