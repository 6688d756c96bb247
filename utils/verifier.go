package utils

import (
	"fmt"
	"net"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/likexian/whois"
)

// VerifyLeadEmail performs the enrollment-time sanity checks on a lead's
// email: syntax, MX records, and a whois lookup when DNS gives nothing.
// A failed verification is a data integrity error; the lead is skipped and
// flagged, not retried.
func VerifyLeadEmail(email string) error {
	if err := checkmail.ValidateFormat(email); err != nil {
		return fmt.Errorf("%w: invalid email format %q", ErrDataIntegrity, email)
	}

	at := strings.LastIndex(email, "@")
	domain := email[at+1:]

	if mx, err := net.LookupMX(domain); err == nil && len(mx) > 0 {
		return nil
	}

	// No MX records. Domains that only publish an A record still receive
	// mail, so check the domain is at least registered before rejecting.
	result, err := whois.Whois(domain)
	if err != nil {
		// Whois outage should not block enrollment.
		return nil
	}
	lower := strings.ToLower(result)
	if strings.Contains(lower, "no match") || strings.Contains(lower, "not found") {
		return fmt.Errorf("%w: domain %s is not registered", ErrDataIntegrity, domain)
	}
	return nil
}
