// Package probe performs a DNS resolution check against an instance after
// changes were applied, confirming the resolver still answers.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

const timeout = 5 * time.Second

// Check resolves domain against the given DNS server ("host:port"). It
// returns an error when the server is unreachable or answers with a failure
// code; an empty answer section is fine, a blocked domain legitimately
// resolves to 0.0.0.0 or nothing.
func Check(ctx context.Context, server, domain string) error {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return fmt.Errorf("query %s against %s: %w", domain, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return fmt.Errorf("query %s against %s: rcode %s", domain, server, dns.RcodeToString[resp.Rcode])
	}
	return nil
}
