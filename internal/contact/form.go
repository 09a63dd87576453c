// Package contact accepts contact form submissions, forwards them to the
// configured endpoint and keeps an outbox of submissions that could not be
// delivered for background-sync replay.
package contact

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidSubmission = errors.New("invalid submission")

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Form is one contact form submission. Website is a honeypot that humans
// never see; bots fill it.
type Form struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Subject string `json:"subject"`
	Message string `json:"message"`
	Consent bool   `json:"consent"`
	Website string `json:"website,omitempty"`
}

// Validate returns ErrInvalidSubmission when any rule fails. It never says
// which one.
func (f Form) Validate() error {
	switch {
	case f.Name == "", f.Email == "", f.Subject == "", f.Message == "":
		return ErrInvalidSubmission
	case !emailPattern.MatchString(f.Email):
		return ErrInvalidSubmission
	case !f.Consent:
		return ErrInvalidSubmission
	case f.Website != "":
		return ErrInvalidSubmission
	}
	return nil
}

func parseConsent(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}
